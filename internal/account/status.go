package account

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies an account. Equality is by value.
type ID int64

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses a decimal account id.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid account id %q", s)
	}
	return ID(v), nil
}

// Status is the lifecycle state of one account.
type Status int

const (
	Offline Status = iota
	Starting
	Online
	Paused
	Pausing
	Stopping
)

var ErrInvalidTransition = errors.New("invalid status transition")

func (s Status) String() string {
	switch s {
	case Offline:
		return "offline"
	case Starting:
		return "starting"
	case Online:
		return "online"
	case Paused:
		return "paused"
	case Pausing:
		return "pausing"
	case Stopping:
		return "stopping"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Color is the display color used by account listings.
func (s Status) Color() string {
	switch s {
	case Online:
		return "green"
	case Paused:
		return "red"
	case Starting, Pausing, Stopping:
		return "orange"
	default:
		return "black"
	}
}

// PauseText is the label of the pause/resume control for this status.
func (s Status) PauseText() string {
	switch s {
	case Online:
		return "Pause"
	case Paused:
		return "Resume"
	default:
		return "[~~!~~]"
	}
}

// edges lists every valid transition. Anything else is rejected.
var edges = map[Status][]Status{
	Offline:  {Starting},
	Starting: {Online, Stopping},
	Online:   {Paused, Pausing, Stopping},
	Pausing:  {Paused, Stopping},
	Paused:   {Online, Starting, Stopping},
	Stopping: {Offline},
}

// CanTransition reports whether from -> to is a valid edge.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an ErrInvalidTransition-wrapping error for invalid edges.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
