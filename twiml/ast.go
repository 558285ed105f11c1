// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

// Verb names one instruction in a call-flow script
type Verb string

const (
	Answer   Verb = "Answer"
	Say      Verb = "Say"
	Play     Verb = "Play"
	Gather   Verb = "Gather"
	Pause    Verb = "Pause"
	Record   Verb = "Record"
	Dial     Verb = "Dial"
	Bridge   Verb = "Bridge"
	Hold     Verb = "Hold"
	Unhold   Verb = "Unhold"
	Reject   Verb = "Reject"
	Hangup   Verb = "Hangup"
	Redirect Verb = "Redirect"
	Number   Verb = "Number"
)

// Verbs lists every verb with execution semantics, in documentation order
var Verbs = []Verb{Answer, Say, Play, Gather, Pause, Record, Dial, Bridge, Hold, Unhold, Reject, Hangup, Redirect}

// Handle addresses an Action inside the Script that owns it
type Handle int

// NoAction terminates a Next or Children chain
const NoAction Handle = -1

// Action is one compiled verb instance
type Action struct {
	Name       Verb
	Value      string
	Parameters map[string]string
	Next       Handle
	Children   Handle
}

// Param returns the named parameter, or def when it is absent or empty
func (a *Action) Param(name, def string) string {
	if v, ok := a.Parameters[name]; ok && v != "" {
		return v
	}
	return def
}

// WithParam returns a copy of the action with one parameter overridden
func (a *Action) WithParam(name, value string) *Action {
	c := *a
	c.Parameters = make(map[string]string, len(a.Parameters)+1)
	for k, v := range a.Parameters {
		c.Parameters[k] = v
	}
	c.Parameters[name] = value
	return &c
}

// Script is the arena backing one compiled document. A session replaces its
// Script wholesale on every fetch.
type Script struct {
	actions []Action
	head    Handle
}

// Head returns the first top-level action, or NoAction for an empty script
func (s *Script) Head() Handle {
	if s == nil {
		return NoAction
	}
	return s.head
}

// Action returns the action addressed by h, or nil for NoAction
func (s *Script) Action(h Handle) *Action {
	if s == nil || h == NoAction || int(h) >= len(s.actions) {
		return nil
	}
	return &s.actions[h]
}

// Len returns the number of actions in the arena, nested ones included
func (s *Script) Len() int {
	if s == nil {
		return 0
	}
	return len(s.actions)
}

// Chain returns the handles reachable from h through Next, in order
func (s *Script) Chain(h Handle) []Handle {
	var out []Handle
	for h != NoAction {
		out = append(out, h)
		h = s.Action(h).Next
	}
	return out
}

func (s *Script) add(a Action) Handle {
	s.actions = append(s.actions, a)
	return Handle(len(s.actions) - 1)
}
