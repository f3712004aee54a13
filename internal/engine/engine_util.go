package engine

import "github.com/DoyleJ11/bms-backend/internal/model"

// NewProcess returns a fresh map pick over pool, opening with a ban.
func NewProcess(pool []string) *model.MapPickProcess {
	p := &model.MapPickProcess{NextAction: model.ActionBan}
	for _, name := range pool {
		p.Maps = append(p.Maps, model.MapPick{Map: name})
	}
	return p
}

// Start sets the first side to act if no side has been chosen yet.
func Start(s *model.MapPickProcess, first int64) *model.MapPickProcess {
	if s.Turn != nil || s.Finished {
		return s
	}
	next := s.Clone()
	next.Turn = &first
	return next
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
