package session

import (
	"strings"

	"github.com/banshee-data/vrutest/internal/fault"
)

// Action is a playback control command. The set is closed; strings are
// parsed once at the boundary.
type Action int

const (
	ActionNext Action = iota + 1
	ActionPrevious
	ActionPause
	ActionResume
	ActionStop
)

var actionNames = map[Action]string{
	ActionNext:     "next",
	ActionPrevious: "previous",
	ActionPause:    "pause",
	ActionResume:   "resume",
	ActionStop:     "stop",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseAction maps an action string onto the Action enum.
func ParseAction(s string) (Action, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == norm {
			return a, nil
		}
	}
	return 0, fault.New(fault.InvalidAction, "unknown action %q (want next, previous, pause, resume or stop)", s)
}

// allowed reports whether a may be applied in state s.
func (a Action) allowed(s State) bool {
	switch a {
	case ActionNext, ActionPrevious:
		return s == Running || s == Paused
	case ActionPause:
		return s == Running
	case ActionResume:
		return s == Paused
	case ActionStop:
		return !s.Terminal()
	}
	return false
}
