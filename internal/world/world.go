// Package world holds the domain types shared by the registry, the join
// coordinator and the in-task agent.
package world

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusError    Status = "ERROR"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusStarting, StatusRunning, StatusError:
		return true
	}
	return false
}

// Claimable reports whether a start may be claimed from s.
func (s Status) Claimable() bool {
	return s == StatusStopped || s == StatusError
}

// Key identifies one world.
type Key struct {
	GameKey string `json:"game_key"`
	WorldID string `json:"world_id"`
}

func (k Key) String() string {
	return k.GameKey + "/" + k.WorldID
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.GameKey) == "" || strings.TrimSpace(k.WorldID) == "" {
		return New(CodeValidation, "gameKey and worldId are required")
	}
	return nil
}

// ParseKey parses the "<gameKey>/<worldId>" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	gameKey, worldID, ok := strings.Cut(s, "/")
	if !ok {
		return Key{}, fmt.Errorf("parse world key %q: missing separator", s)
	}
	k := Key{GameKey: gameKey, WorldID: worldID}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// PublicWorldID returns the single shared world id used for a game.
func PublicWorldID(gameKey string) string {
	return "world_" + gameKey + "_public"
}

// Endpoint is the network address clients connect to.
type Endpoint struct {
	Address string `json:"ip"`
	Port    int    `json:"port"`
}

func (e Endpoint) IsZero() bool {
	return e.Address == "" && e.Port == 0
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Record is the registry row for one world.
type Record struct {
	Key              Key        `json:"key"`
	Status           Status     `json:"status"`
	TaskRef          string     `json:"task_ref,omitempty"`
	LaunchID         string     `json:"launch_id,omitempty"`
	Endpoint         *Endpoint  `json:"endpoint,omitempty"`
	Port             int        `json:"port"`
	Revision         int64      `json:"revision"`
	LastActivityTime *time.Time `json:"last_activity_time,omitempty"`
	ErrorReason      string     `json:"error_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Fields carries the optional column updates and guards of a conditional
// transition. Zero values leave the column untouched.
type Fields struct {
	TaskRef      string
	LaunchID     string
	Endpoint     *Endpoint
	ErrorReason  string
	BumpRevision bool

	// Guards: when set, the stored value must match for the transition to apply.
	ExpectTaskRef  string
	ExpectLaunchID string
	// ExpectIdleBefore, when set, requires the last activity to be absent or
	// older than this instant.
	ExpectIdleBefore time.Time
}

// Event is one row of the transition log.
type Event struct {
	EventID   int64     `json:"event_id"`
	Key       Key       `json:"key"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StateChanged is published on the bus after every applied transition.
type StateChanged struct {
	Key       Key
	OldStatus Status
	NewStatus Status
	Revision  int64
}
