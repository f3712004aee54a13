package engine

import (
	"errors"
	"testing"

	"github.com/DoyleJ11/bms-backend/internal/model"
)

const (
	sideA int64 = 10
	sideB int64 = 20
)

var pool = []string{"Mirage", "Cache", "Inferno", "Nuke", "Overpass", "Dust II", "Train"}

func started(mapCount int) (*model.MapPickProcess, Rules) {
	return Start(NewProcess(pool), sideA), Rules{SideA: sideA, SideB: sideB, MapCount: mapCount}
}

// play applies one selection per map name, always as the side on turn.
func play(t *testing.T, s *model.MapPickProcess, rules Rules, maps ...string) ([]model.Action, []Event, *model.MapPickProcess) {
	t.Helper()
	var actions []model.Action
	var all []Event
	for _, name := range maps {
		if s.Turn == nil {
			t.Fatalf("no side on turn before %q", name)
		}
		actions = append(actions, s.NextAction)
		events, next, err := Apply(s, rules, Command{Side: *s.Turn, Map: name})
		if err != nil {
			t.Fatalf("select %q: %v", name, err)
		}
		all = append(all, events...)
		s = next
	}
	return actions, all, s
}

func TestApply_SingleMapIsSixBans(t *testing.T) {
	s, rules := started(1)

	actions, events, s := play(t, s, rules, pool[:6]...)

	for i, a := range actions {
		if a != model.ActionBan {
			t.Fatalf("action %d: got %v, want ban", i+1, a)
		}
	}
	if !s.Finished {
		t.Fatalf("expected finished after six actions")
	}
	if s.NextAction != model.ActionNull || s.Turn != nil {
		t.Fatalf("finished state must have no next action and no turn")
	}
	if !ContainsEvent(events, EvtPickCompleted) {
		t.Fatalf("expected %s", EvtPickCompleted)
	}

	picked := s.PickedMaps()
	if len(picked) != 1 || picked[0].Map != "Train" || picked[0].SelectedBy != nil {
		t.Fatalf("decider should be Train with no selector, got %+v", picked)
	}
}

func TestApply_ActionSequence(t *testing.T) {
	cases := []struct {
		name     string
		mapCount int
		want     []model.Action
	}{
		{"bo1", 1, []model.Action{1, 1, 1, 1, 1, 1}},
		{"bo3", 3, []model.Action{1, 1, 2, 2, 1, 1}},
		{"bo5", 5, []model.Action{1, 1, 2, 2, 2, 2}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, rules := started(tc.mapCount)
			actions, _, s := play(t, s, rules, pool[:6]...)

			if len(actions) != len(tc.want) {
				t.Fatalf("got %d actions", len(actions))
			}
			for i := range actions {
				if actions[i] != tc.want[i] {
					t.Fatalf("action %d: got %v, want %v", i+1, actions[i], tc.want[i])
				}
			}
			if got := len(s.PickedMaps()); got != tc.mapCount {
				t.Fatalf("played maps: got %d, want %d", got, tc.mapCount)
			}
			unselected := 0
			for _, m := range s.Maps {
				if m.SelectedBy == nil {
					unselected++
				}
			}
			if unselected != 1 {
				t.Fatalf("exactly one map must have no selector, got %d", unselected)
			}
		})
	}
}

func TestApply_TurnAlternates(t *testing.T) {
	s, rules := started(3)

	for i, name := range pool[:5] {
		before := *s.Turn
		events, next, err := Apply(s, rules, Command{Side: before, Map: name})
		if err != nil {
			t.Fatalf("action %d: %v", i+1, err)
		}
		if next.Turn == nil || *next.Turn == before {
			t.Fatalf("action %d: turn did not flip", i+1)
		}
		if !ContainsEvent(events, EvtTurnAdvanced) {
			t.Fatalf("action %d: missing %s", i+1, EvtTurnAdvanced)
		}
		s = next
	}

	events, s, err := Apply(s, rules, Command{Side: *s.Turn, Map: pool[5]})
	if err != nil {
		t.Fatal(err)
	}
	if s.Turn != nil || ContainsEvent(events, EvtTurnAdvanced) {
		t.Fatalf("finishing action must not advance the turn")
	}
}

func TestApply_Rejections(t *testing.T) {
	base, rules := started(1)

	_, banned, err := Apply(base, rules, Command{Side: sideA, Map: "Mirage"})
	if err != nil {
		t.Fatal(err)
	}
	_, _, finished := play(t, base, rules, pool[:6]...)

	cases := []struct {
		name  string
		state *model.MapPickProcess
		cmd   Command
		want  error
	}{
		{"outsider", base, Command{Side: 99, Map: "Nuke"}, ErrNotInMatch},
		{"wrong turn", base, Command{Side: sideB, Map: "Nuke"}, ErrWrongTurn},
		{"unknown map", base, Command{Side: sideA, Map: "Vertigo"}, ErrUnknownMap},
		{"already selected", banned, Command{Side: sideB, Map: "Mirage"}, ErrAlreadySelected},
		{"finished", finished, Command{Side: sideA, Map: "Train"}, ErrCompleted},
		{"not started", NewProcess(pool), Command{Side: sideA, Map: "Nuke"}, ErrNotStarted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got, err := Apply(tc.state, rules, tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if got != tc.state {
				t.Fatalf("state must be returned unchanged on error")
			}
		})
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s, rules := started(1)

	_, next, err := Apply(s, rules, Command{Side: sideA, Map: "Nuke"})
	if err != nil {
		t.Fatal(err)
	}
	i, _ := s.Map("Nuke")
	if s.Maps[i].Selected() || *s.Turn != sideA {
		t.Fatalf("input state was modified")
	}
	j, _ := next.Map("Nuke")
	if !next.Maps[j].Selected() || *next.Maps[j].SelectedBy != sideA || next.Maps[j].Order != 1 {
		t.Fatalf("selection not recorded: %+v", next.Maps[j])
	}
}

func TestStart_KeepsExistingTurn(t *testing.T) {
	s := Start(NewProcess(pool), sideB)
	again := Start(s, sideA)
	if *again.Turn != sideB {
		t.Fatalf("Start must not override an existing turn")
	}
}
