// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"slices"

	"github.com/sprucehealth/twiari/twiml"
)

// Handler executes one verb. It runs on the session loop and must call
// advance exactly once when the verb completes normally, or end the call
// with Terminate or Fetch instead.
type Handler interface {
	Execute(s *Session, a *twiml.Action, advance func())
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(s *Session, a *twiml.Action, advance func())

func (f HandlerFunc) Execute(s *Session, a *twiml.Action, advance func()) {
	f(s, a, advance)
}

// Registry maps verb names to their handlers
type Registry map[twiml.Verb]Handler

// DefaultRegistry returns handlers for every built-in verb
func DefaultRegistry() Registry {
	return Registry{
		twiml.Answer:   HandlerFunc(execAnswer),
		twiml.Say:      HandlerFunc(execSay),
		twiml.Play:     HandlerFunc(execPlay),
		twiml.Gather:   HandlerFunc(execGather),
		twiml.Pause:    HandlerFunc(execPause),
		twiml.Record:   HandlerFunc(execRecord),
		twiml.Dial:     HandlerFunc(execDial),
		twiml.Bridge:   HandlerFunc(execBridge),
		twiml.Hold:     HandlerFunc(execHold),
		twiml.Unhold:   HandlerFunc(execUnhold),
		twiml.Reject:   HandlerFunc(execReject),
		twiml.Hangup:   HandlerFunc(execHangup),
		twiml.Redirect: HandlerFunc(execRedirect),
	}
}

// Verbs returns the registered verb names, sorted
func (r Registry) Verbs() []string {
	names := make([]string, 0, len(r))
	for v := range r {
		names = append(names, string(v))
	}
	slices.Sort(names)
	return names
}
