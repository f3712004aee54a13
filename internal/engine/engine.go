package engine

import (
	"github.com/DoyleJ11/bms-backend/internal/apperr"
	"github.com/DoyleJ11/bms-backend/internal/model"
)

var (
	ErrCompleted       = apperr.Conflict("map pick already finished")
	ErrNotStarted      = apperr.Conflict("you are not allowed to pick yet")
	ErrNotInMatch      = apperr.Forbidden("not in this match")
	ErrWrongTurn       = apperr.Conflict("wait for your turn")
	ErrUnknownMap      = apperr.NotFound("map is not in the pool")
	ErrAlreadySelected = apperr.Conflict("map was already selected")
)

// InitialBans is the number of bans that always open a map pick.
const InitialBans = 2

// Rules are the fixed parameters of one map pick. Sides are match team ids.
type Rules struct {
	SideA    int64
	SideB    int64
	MapCount int
}

func (r Rules) other(side int64) (int64, bool) {
	switch side {
	case r.SideA:
		return r.SideB, true
	case r.SideB:
		return r.SideA, true
	}
	return 0, false
}

type Command struct {
	Side int64
	Map  string
}

type EventType string

const (
	EvtMapBanned       EventType = "MapBanned"
	EvtMapPicked       EventType = "MapPicked"
	EvtTurnAdvanced    EventType = "TurnAdvanced"
	EvtDeciderSelected EventType = "DeciderSelected"
	EvtPickCompleted   EventType = "PickCompleted"
)

type Event struct {
	Type EventType
	Side int64
	Map  string
}

// Apply validates cmd against s and returns the resulting state. s is never
// modified; on error it is returned unchanged.
func Apply(s *model.MapPickProcess, rules Rules, cmd Command) ([]Event, *model.MapPickProcess, error) {
	if s.Finished {
		return nil, s, ErrCompleted
	}
	if _, ok := rules.other(cmd.Side); !ok {
		return nil, s, ErrNotInMatch
	}
	if s.Turn == nil {
		return nil, s, ErrNotStarted
	}
	if *s.Turn != cmd.Side {
		return nil, s, ErrWrongTurn
	}
	i, ok := s.Map(cmd.Map)
	if !ok {
		return nil, s, ErrUnknownMap
	}
	if s.Maps[i].Selected() {
		return nil, s, ErrAlreadySelected
	}

	next := s.Clone()
	picked := next.NextAction == model.ActionPick
	banned, pickedCount := next.Counts()
	order := banned + pickedCount + 1

	m := &next.Maps[i]
	m.Picked = model.Ptr(picked)
	m.SelectedBy = model.Ptr(cmd.Side)
	m.Order = order

	var events []Event
	if picked {
		events = append(events, Event{Type: EvtMapPicked, Side: cmd.Side, Map: cmd.Map})
	} else {
		events = append(events, Event{Type: EvtMapBanned, Side: cmd.Side, Map: cmd.Map})
	}

	if order == len(next.Maps)-1 {
		finish(next, order+1)
		decider := next.PickedMaps()
		events = append(events,
			Event{Type: EvtDeciderSelected, Map: decider[len(decider)-1].Map},
			Event{Type: EvtPickCompleted},
		)
		return events, next, nil
	}

	next.NextAction = NextAction(next, rules.MapCount)
	other, _ := rules.other(cmd.Side)
	next.Turn = &other
	events = append(events, Event{Type: EvtTurnAdvanced, Side: other})
	return events, next, nil
}

// NextAction derives the action that follows the selections recorded in s:
// two bans, then picks until one short of mapCount, then bans until only
// the decider is left.
func NextAction(s *model.MapPickProcess, mapCount int) model.Action {
	banned, picked := s.Counts()
	switch {
	case s.Finished:
		return model.ActionNull
	case banned < InitialBans:
		return model.ActionBan
	case picked < mapCount-1:
		return model.ActionPick
	default:
		return model.ActionBan
	}
}

// finish auto-picks the single unselected map as the decider.
func finish(s *model.MapPickProcess, order int) {
	for i := range s.Maps {
		if !s.Maps[i].Selected() {
			s.Maps[i].Picked = model.Ptr(true)
			s.Maps[i].SelectedBy = nil
			s.Maps[i].Order = order
			break
		}
	}
	s.Finished = true
	s.NextAction = model.ActionNull
	s.Turn = nil
}
