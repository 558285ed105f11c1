// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"net/url"
	"strings"
	"time"

	"github.com/sprucehealth/twiari/twiml"
)

// gather is the state of one Gather dispatch
type gather struct {
	s           *Session
	script      *twiml.Script
	timeout     time.Duration
	numDigits   int
	finishOnKey string
	method      string
	action      string
	advance     func()

	// start is the buffer length before prompting; any growth ends the prompts
	start int
	timer Timer
	done  bool
}

func execGather(s *Session, a *twiml.Action, advance func()) {
	g := &gather{
		s:           s,
		script:      s.script,
		timeout:     seconds(a.Param("timeout", ""), 5*time.Second),
		numDigits:   atoi(a.Param("numDigits", ""), 0),
		finishOnKey: a.Param("finishOnKey", "#"),
		method:      a.Param("method", "POST"),
		action:      a.Param("action", ""),
		advance:     advance,
	}
	if a.Param("clear", "true") != "false" {
		s.setDigits("")
	}
	g.start = len(s.digits)

	s.log.Info("gathering", "num_digits", g.numDigits, "finish_on_key", g.finishOnKey, "timeout", g.timeout)
	g.prompt(a.Children)
}

// prompt runs the nested Say and Play verbs starting at h, then collects
func (g *gather) prompt(h twiml.Handle) {
	s := g.s
	if s.state == Terminated {
		return
	}
	if s.hungup {
		s.Terminate()
		return
	}
	if len(s.digits) > g.start {
		g.collect()
		return
	}
	for h != twiml.NoAction {
		child := g.script.Action(h)
		switch child.Name {
		case twiml.Say:
			execSay(s, child.WithParam("termDigits", anyDigit), func() { g.prompt(child.Next) })
			return
		case twiml.Play:
			execPlay(s, child.WithParam("termDigits", anyDigit), func() { g.prompt(child.Next) })
			return
		}
		s.log.Warn("invalid nested verb, skipped", "verb", child.Name)
		h = child.Next
	}
	g.collect()
}

func (g *gather) collect() {
	s := g.s
	// Keys pressed during the prompts count toward completion
	pressed := s.digits[min(g.start, len(s.digits)):]
	if (g.finishOnKey != "" && strings.Contains(pressed, g.finishOnKey)) ||
		(g.numDigits > 0 && len(s.digits) >= g.numDigits) {
		g.complete()
		return
	}
	s.OnDigit(func(digit, buffer string) {
		if digit == g.finishOnKey || (g.numDigits > 0 && len(buffer) >= g.numDigits) {
			g.complete()
		}
	})
	s.OnHangup(g.complete)
	g.timer = s.After(g.timeout, g.complete)
}

// complete reports the gathered digits once, whichever of terminator, length,
// timeout or hangup comes first
func (g *gather) complete() {
	if g.done {
		return
	}
	g.done = true

	s := g.s
	s.OnDigit(nil)
	s.OnHangup(nil)
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}

	digits := s.digits
	s.setDigits("")
	s.log.Info("done gathering", "digits", digits)

	if s.hungup {
		s.Terminate()
		return
	}
	if digits == "" {
		g.advance()
		return
	}
	// A lone terminator still counts as input and posts empty Digits
	if g.finishOnKey != "" {
		if i := strings.Index(digits, g.finishOnKey); i >= 0 {
			digits = digits[:i]
		}
	}
	s.Fetch(g.method, g.action, url.Values{"Digits": {digits}})
}
