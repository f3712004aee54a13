// Package model holds the persisted entities touched by the queue and map
// pick protocols. Types carry gorm tags so the same structs back both
// store implementations.
package model

import (
	"slices"
	"time"
)

type Player struct {
	ID          int64    `gorm:"primaryKey"`
	Username    string   `gorm:"size:32;uniqueIndex"`
	Elo         int      `gorm:"not null;default:0"`
	Permissions []string `gorm:"serializer:json"`
}

func (p *Player) Clone() *Player {
	c := *p
	c.Permissions = slices.Clone(p.Permissions)
	return &c
}

type AuthSession struct {
	Key       string `gorm:"primaryKey;size:64"`
	PlayerID  int64  `gorm:"index"`
	CreatedAt time.Time
}

type QueueType int

const QueueRanked QueueType = 1

type Queue struct {
	ID               int64 `gorm:"primaryKey"`
	Type             QueueType
	Players          []int64 `gorm:"serializer:json"`
	ConfirmedPlayers []int64 `gorm:"serializer:json"`
	Locked           bool
	LockedAt         *time.Time
	Confirmed        bool
	CaptainA         *int64
	CaptainB         *int64
	MatchID          *int64
}

func (q *Queue) Has(playerID int64) bool          { return slices.Contains(q.Players, playerID) }
func (q *Queue) HasConfirmed(playerID int64) bool { return slices.Contains(q.ConfirmedPlayers, playerID) }

// Join adds the player and reports whether they were absent before.
func (q *Queue) Join(playerID int64) bool {
	if q.Has(playerID) {
		return false
	}
	q.Players = append(q.Players, playerID)
	return true
}

// Leave removes the player along with any confirmation they made.
func (q *Queue) Leave(playerID int64) bool {
	if !q.Has(playerID) {
		return false
	}
	q.Players = slices.DeleteFunc(q.Players, func(id int64) bool { return id == playerID })
	q.ConfirmedPlayers = slices.DeleteFunc(q.ConfirmedPlayers, func(id int64) bool { return id == playerID })
	return true
}

func (q *Queue) Confirm(playerID int64) bool {
	if q.HasConfirmed(playerID) || !q.Has(playerID) {
		return false
	}
	q.ConfirmedPlayers = append(q.ConfirmedPlayers, playerID)
	return true
}

func (q *Queue) Lock(now time.Time) {
	q.Locked = true
	q.LockedAt = &now
}

func (q *Queue) Unlock() {
	q.Locked = false
	q.LockedAt = nil
}

func (q *Queue) Unconfirm() { q.ConfirmedPlayers = nil }

// IsCaptain reports which side a captain leads.
func (q *Queue) IsCaptain(playerID int64) (sideA bool, ok bool) {
	switch {
	case q.CaptainA != nil && *q.CaptainA == playerID:
		return true, true
	case q.CaptainB != nil && *q.CaptainB == playerID:
		return false, true
	}
	return false, false
}

func (q *Queue) Clone() *Queue {
	c := *q
	c.Players = slices.Clone(q.Players)
	c.ConfirmedPlayers = slices.Clone(q.ConfirmedPlayers)
	c.LockedAt = clonePtr(q.LockedAt)
	c.CaptainA = clonePtr(q.CaptainA)
	c.CaptainB = clonePtr(q.CaptainB)
	c.MatchID = clonePtr(q.MatchID)
	return &c
}

// MatchTeam is the set of players who may play for one side of a match.
type MatchTeam struct {
	ID      int64 `gorm:"primaryKey"`
	Name    string
	Players []int64 `gorm:"serializer:json"`
}

func (t *MatchTeam) Has(playerID int64) bool { return slices.Contains(t.Players, playerID) }

func (t *MatchTeam) Clone() *MatchTeam {
	c := *t
	c.Players = slices.Clone(t.Players)
	return &c
}

type GameMode int

const (
	ModeCompetitive GameMode = 1
	ModePub         GameMode = 2
	ModeDeathmatch  GameMode = 3
	ModeDuels       GameMode = 4
	ModeRanked      GameMode = 5
)

type Match struct {
	ID               int64 `gorm:"primaryKey"`
	Name             string
	TeamOneID        int64
	TeamTwoID        int64
	MapCount         int
	Mode             GameMode
	StartDate        time.Time
	MapPickProcessID int64
}

// OtherTeam returns the opposing side, or false if teamID is not in the match.
func (m *Match) OtherTeam(teamID int64) (int64, bool) {
	switch teamID {
	case m.TeamOneID:
		return m.TeamTwoID, true
	case m.TeamTwoID:
		return m.TeamOneID, true
	}
	return 0, false
}

func (m *Match) Clone() *Match {
	c := *m
	return &c
}

type Action int

const (
	ActionNull Action = 0
	ActionBan  Action = 1
	ActionPick Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionBan:
		return "ban"
	case ActionPick:
		return "pick"
	default:
		return "null"
	}
}

type MapPickProcess struct {
	ID         int64     `gorm:"primaryKey"`
	MatchID    int64     `gorm:"index"`
	Maps       []MapPick `gorm:"foreignKey:ProcessID"`
	Turn       *int64
	NextAction Action
	Finished   bool
	PickerA    *int64
	PickerB    *int64
}

func (p *MapPickProcess) Map(name string) (int, bool) {
	for i := range p.Maps {
		if p.Maps[i].Map == name {
			return i, true
		}
	}
	return -1, false
}

// Counts returns the number of banned and picked maps.
func (p *MapPickProcess) Counts() (banned, picked int) {
	for _, m := range p.Maps {
		if m.Picked == nil {
			continue
		}
		if *m.Picked {
			picked++
		} else {
			banned++
		}
	}
	return banned, picked
}

// PickedMaps returns picked maps in selection order; the decider comes last.
func (p *MapPickProcess) PickedMaps() []MapPick {
	var out []MapPick
	for _, m := range p.Maps {
		if m.Picked != nil && *m.Picked {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b MapPick) int { return a.Order - b.Order })
	return out
}

func (p *MapPickProcess) Clone() *MapPickProcess {
	c := *p
	c.Maps = make([]MapPick, len(p.Maps))
	for i, m := range p.Maps {
		c.Maps[i] = *m.Clone()
	}
	c.Turn = clonePtr(p.Turn)
	c.PickerA = clonePtr(p.PickerA)
	c.PickerB = clonePtr(p.PickerB)
	return &c
}

type MapPick struct {
	ID         int64 `gorm:"primaryKey"`
	ProcessID  int64 `gorm:"index"`
	Map        string
	SelectedBy *int64
	Picked     *bool
	// Order is the 1-based position of this selection, 0 while unselected.
	Order int
}

func (m *MapPick) Selected() bool { return m.SelectedBy != nil || m.Picked != nil }

func (m *MapPick) Clone() *MapPick {
	c := *m
	c.SelectedBy = clonePtr(m.SelectedBy)
	c.Picked = clonePtr(m.Picked)
	return &c
}

type GameStatus int

const (
	GameNotStarted GameStatus = 0
	GameStarted    GameStatus = 1
	GameFinished   GameStatus = 2
)

type Game struct {
	ID      int64  `gorm:"primaryKey"`
	MatchID *int64 `gorm:"index"`
	Map     string
	Mode    GameMode
	Status  GameStatus
	// TeamA starts as CT.
	TeamAID      int64
	TeamBID      int64
	WinnerTeamID *int64
	Plugins      []string `gorm:"serializer:json"`
	Whitelist    []int64  `gorm:"serializer:json"`
}

// AllowPlayers adds players to the whitelist, skipping ones already present.
func (g *Game) AllowPlayers(ids ...int64) {
	for _, id := range ids {
		if !slices.Contains(g.Whitelist, id) {
			g.Whitelist = append(g.Whitelist, id)
		}
	}
}

func (g *Game) Clone() *Game {
	c := *g
	c.MatchID = clonePtr(g.MatchID)
	c.WinnerTeamID = clonePtr(g.WinnerTeamID)
	c.Plugins = slices.Clone(g.Plugins)
	c.Whitelist = slices.Clone(g.Whitelist)
	return &c
}

// Ref identifies an entity as an event scope. Two refs are equal when they
// name the same entity, so waiters and dispatchers need not share pointers.
type Ref struct {
	Kind string
	ID   int64
}

func QueueRef(id int64) Ref   { return Ref{Kind: "queue", ID: id} }
func MatchRef(id int64) Ref   { return Ref{Kind: "match", ID: id} }
func ProcessRef(id int64) Ref { return Ref{Kind: "mapPickProcess", ID: id} }

func Ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
