// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sprucehealth/twiari/httpstub"
	"github.com/sprucehealth/twiari/model"
	"github.com/sprucehealth/twiari/routing"
	"github.com/sprucehealth/twiari/telephony"
	"github.com/sprucehealth/twiari/twiml"
)

// ErrCallTerminated is reported for work abandoned because the call ended
var ErrCallTerminated = errors.New("call terminated")

// State is the lifecycle position of a Session
type State int

const (
	Initializing State = iota
	Executing
	AwaitingContinuation
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Executing:
		return "executing"
	case AwaitingContinuation:
		return "awaiting-continuation"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Session drives one call through its script. Everything except the mailbox
// and the snapshot is owned by the session loop: handlers, event callbacks,
// timer callbacks and async completions all run there one at a time, so
// they need no locking. Methods documented as loop-only must not be called
// from other goroutines.
type Session struct {
	engine  *Engine
	sid     model.SID
	log     *slog.Logger
	webhook httpstub.WebhookClient
	ctx     context.Context
	cancel  context.CancelFunc

	state    State
	orig     telephony.Channel
	dialed   telephony.Channel
	active   telephony.Channel
	linked   bool
	script   *twiml.Script
	cursor   twiml.Handle
	gen      int
	baseURL  string
	digits   string
	onDigit  func(digit, buffer string)
	onHangup func()
	hungup   bool
	unlisten func()

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	info   model.Call
}

func newSession(e *Engine, ch telephony.Channel, ev telephony.Event, number string, route routing.Route) *Session {
	sid := model.NewCallSID()
	ctx, cancel := context.WithCancel(e.ctx)

	webhook := e.webhook
	if scoped, ok := webhook.(httpstub.CallScoped); ok {
		webhook = scoped.ForCall()
	}

	return &Session{
		engine:  e,
		sid:     sid,
		log:     e.log.With("call_sid", sid, "channel", ch.ID()),
		webhook: webhook,
		ctx:     ctx,
		cancel:  cancel,
		state:   Initializing,
		orig:    ch,
		active:  ch,
		cursor:  twiml.NoAction,
		baseURL: route.URL,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		info: model.Call{
			SID:           sid,
			AccountSID:    model.AccountSID,
			From:          ev.CallerNumber,
			To:            number,
			CallerName:    ev.CallerName,
			Direction:     model.Inbound,
			Status:        model.CallRinging,
			State:         Initializing.String(),
			StartAt:       e.clock.Now(),
			Channel:       ch.ID(),
			ActiveChannel: ch.ID(),
			Url:           route.URL,
		},
	}
}

// start begins listening on the originating channel and fetches the script
func (s *Session) start() {
	s.listen(s.orig)
	go s.loop()
	s.post(func() {
		s.addEvent("call.created", map[string]any{"from": s.info.From, "to": s.info.To})
		s.Fetch("GET", s.baseURL, nil)
	})
}

// SID returns the call identifier
func (s *Session) SID() model.SID {
	return s.sid
}

// Logger returns the session logger
func (s *Session) Logger() *slog.Logger {
	return s.log
}

// Done is closed once the session has terminated and its loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns a copy of the call state, safe from any goroutine
func (s *Session) Snapshot() model.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.info
	c.Timeline = slices.Clone(s.info.Timeline)
	c.ExecutedVerbs = slices.Clone(s.info.ExecutedVerbs)
	return c
}

func (s *Session) update(fn func(c *model.Call)) {
	s.mu.Lock()
	fn(&s.info)
	s.mu.Unlock()
}

func (s *Session) addEvent(eventType string, detail map[string]any) {
	ev := model.NewEvent(s.engine.clock.Now(), eventType, detail)
	ev.CallSID = s.sid
	s.update(func(c *model.Call) {
		c.Timeline = append(c.Timeline, ev)
	})
	s.engine.broadcast(ev)
}

func (s *Session) setState(st State) {
	s.state = st
	s.update(func(c *model.Call) {
		c.State = st.String()
	})
}

// post queues fn on the session loop. It reports false once the session
// has terminated.
func (s *Session) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()

		if s.state == Terminated {
			s.mu.Lock()
			s.closed = true
			s.queue = nil
			s.mu.Unlock()
			return
		}
	}
}

// Yield runs fn on a later turn of the session loop, after work already queued
func (s *Session) Yield(fn func()) {
	s.post(fn)
}

// After runs fn on the session loop once d has elapsed on the engine clock
func (s *Session) After(d time.Duration, fn func()) Timer {
	return s.engine.clock.AfterFunc(d, func() {
		s.post(fn)
	})
}

// await runs op off the loop and delivers its error back onto the loop
func (s *Session) await(op func(ctx context.Context) error, then func(error)) {
	go func() {
		err := op(s.ctx)
		s.post(func() { then(err) })
	}()
}

// awaitResult runs op off the loop and delivers its result back onto the loop
func awaitResult[T any](s *Session, op func(ctx context.Context) (T, error), then func(T, error)) {
	go func() {
		v, err := op(s.ctx)
		s.post(func() { then(v, err) })
	}()
}

// watch feeds events from sub into handle on the loop until handle returns
// true or the session ends
func (s *Session) watch(sub telephony.Subscription, handle func(telephony.Event) bool) func() {
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			sub.Cancel()
		})
	}
	go func() {
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				s.post(func() {
					select {
					case <-stop:
						return
					default:
					}
					if handle(ev) {
						cancel()
					}
				})
			case <-stop:
				return
			case <-s.done:
				sub.Cancel()
				return
			}
		}
	}()
	return cancel
}

// listen moves digit and hangup signaling to ch. Loop-only.
func (s *Session) listen(ch telephony.Channel) {
	if s.unlisten != nil {
		s.unlisten()
	}
	sub := ch.Subscribe(telephony.ChannelDtmfReceived, telephony.ChannelHangupRequest, telephony.StasisEnd)
	s.unlisten = s.watch(sub, func(ev telephony.Event) bool {
		s.onEvent(ev)
		return false
	})
}

func (s *Session) onEvent(ev telephony.Event) {
	switch ev.Kind {
	case telephony.ChannelDtmfReceived:
		s.log.Debug("digit received", "digit", ev.Digit)
		s.setDigits(s.digits + ev.Digit)
		if s.onDigit != nil {
			s.onDigit(ev.Digit, s.digits)
		}
	case telephony.ChannelHangupRequest:
		s.log.Info("hangup requested")
		s.hangupSignaled()
	case telephony.StasisEnd:
		s.log.Info("channel left the application")
		s.hangupSignaled()
		s.Terminate()
	}
}

func (s *Session) hangupSignaled() {
	s.hungup = true
	s.addEvent("call.hangup", nil)
	if s.onHangup != nil {
		s.onHangup()
	}
}

// OnDigit installs the single digit listener, replacing any previous one.
// Pass nil to clear it. Loop-only.
func (s *Session) OnDigit(fn func(digit, buffer string)) {
	s.onDigit = fn
}

// OnHangup installs the single hangup listener, replacing any previous one.
// Pass nil to clear it. Loop-only.
func (s *Session) OnHangup(fn func()) {
	s.onHangup = fn
}

// HungUp reports whether the caller has hung up. Loop-only.
func (s *Session) HungUp() bool {
	return s.hungup
}

// Channel returns the leg currently driving the script. Loop-only.
func (s *Session) Channel() telephony.Channel {
	return s.active
}

// Digits returns the collected digit buffer. Loop-only.
func (s *Session) Digits() string {
	return s.digits
}

func (s *Session) setDigits(d string) {
	s.digits = d
	s.update(func(c *model.Call) {
		c.Digits = d
	})
}

// promote makes ch the active leg and moves signaling to it. Loop-only.
func (s *Session) promote(ch telephony.Channel) {
	s.active = ch
	s.hungup = false
	s.listen(ch)
	s.update(func(c *model.Call) {
		c.ActiveChannel = ch.ID()
	})
	s.addEvent("call.promoted", map[string]any{"channel": ch.ID()})
}

func (s *Session) markAnswered() {
	now := s.engine.clock.Now()
	s.update(func(c *model.Call) {
		if c.AnsweredAt == nil {
			c.AnsweredAt = &now
		}
		c.Status = model.CallInProgress
	})
}

// callData is the form every script request carries
func (s *Session) callData() url.Values {
	c := s.Snapshot()
	return url.Values{
		"CallSid":       {string(c.SID)},
		"AccountSid":    {c.AccountSID},
		"From":          {c.From},
		"To":            {c.To},
		"CallStatus":    {string(c.Status)},
		"ApiVersion":    {model.APIVersion},
		"Direction":     {string(c.Direction)},
		"ForwardedFrom": {""},
		"CallerName":    {c.CallerName},
	}
}

// advance moves to the next action or ends the call at the end of the chain
func (s *Session) advance() {
	if s.state == Terminated {
		return
	}
	a := s.script.Action(s.cursor)
	if a == nil || a.Next == twiml.NoAction {
		s.log.Info("script finished")
		s.Terminate()
		return
	}
	s.cursor = a.Next
	s.dispatch(s.script.Action(s.cursor))
}

// dispatch runs the handler for a. The advance callback handed to it moves
// the cursor at most once and is ignored after the script is replaced.
func (s *Session) dispatch(a *twiml.Action) {
	if s.state == Terminated {
		return
	}
	h, ok := s.engine.registry[a.Name]
	if !ok {
		s.log.Warn("invalid or improper verb", "verb", a.Name)
		s.Terminate()
		return
	}
	s.setState(Executing)
	s.engine.metrics.VerbDispatched(string(a.Name))
	s.update(func(c *model.Call) {
		c.ExecutedVerbs = append(c.ExecutedVerbs, string(a.Name))
	})
	s.addEvent("verb."+strings.ToLower(string(a.Name)), map[string]any{
		"value":      a.Value,
		"parameters": a.Parameters,
	})

	gen, called := s.gen, false
	h.Execute(s, a, func() {
		if called {
			s.log.Warn("verb completed twice", "verb", a.Name)
			return
		}
		called = true
		if gen != s.gen {
			return
		}
		s.advance()
	})
}

// Terminate ends the call. It hangs up any leg the session still owns
// unless that leg already reported hangup, and is safe to call repeatedly.
// Loop-only.
func (s *Session) Terminate() {
	if s.state == Terminated {
		return
	}
	s.setState(Terminated)
	s.onDigit = nil
	s.onHangup = nil

	var legs []telephony.Channel
	if !s.hungup {
		legs = append(legs, s.active)
	}
	if s.orig != s.active && !s.linked {
		legs = append(legs, s.orig)
	}
	if s.dialed != nil && s.dialed != s.active && !s.linked {
		legs = append(legs, s.dialed)
	}
	s.hungup = true
	for _, ch := range legs {
		s.hangupLeg(ch)
	}

	now := s.engine.clock.Now()
	var started time.Time
	s.update(func(c *model.Call) {
		c.EndedAt = &now
		if c.AnsweredAt == nil && c.Status == model.CallRinging {
			c.Status = model.CallCanceled
		} else {
			c.Status = model.CallCompleted
		}
		started = c.StartAt
	})
	s.log.Info("call ended", "duration_ms", now.Sub(started).Milliseconds())
	s.addEvent("call.ended", map[string]any{"duration_ms": now.Sub(started).Milliseconds()})

	s.cancel()
	if s.unlisten != nil {
		s.unlisten()
	}
	s.engine.finish(s)
}

// hangupLeg requests hangup of ch without waiting. A leg that is already
// gone is not an error.
func (s *Session) hangupLeg(ch telephony.Channel) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ch.Hangup(ctx); err != nil {
			s.log.Debug("hangup ignored", "leg", ch.ID(), "error", err)
		}
	}()
}
