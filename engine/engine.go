// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sprucehealth/twiari/httpstub"
	"github.com/sprucehealth/twiari/media"
	"github.com/sprucehealth/twiari/model"
	"github.com/sprucehealth/twiari/routing"
	"github.com/sprucehealth/twiari/telephony"
	"github.com/sprucehealth/twiari/tts"
)

// dialedArg marks legs originated by Dial. Their StasisStart belongs to the
// session that dialed them.
const dialedArg = "dialed"

// finishedCallLimit bounds how many ended calls are kept for inspection
const finishedCallLimit = 200

// Config holds the deployment settings the verbs need
type Config struct {
	// App is the Stasis application name used for originated legs
	App             string
	TrunkTechnology string
	TrunkID         string
	// ServerBaseURL prefixes recording file names in RecordingURL
	ServerBaseURL    string
	RecordMaxLength  time.Duration
	RecordMaxSilence time.Duration
	FetchTimeout     time.Duration
	// NoServiceMedia is played to callers whose number has no route
	NoServiceMedia string
	MOHClass       string
}

// DefaultConfig returns the settings used when none are supplied
func DefaultConfig() Config {
	return Config{
		App:              "aria",
		TrunkTechnology:  "PJSIP",
		TrunkID:          "trunk",
		RecordMaxLength:  time.Hour,
		RecordMaxSilence: 60 * time.Second,
		FetchTimeout:     10 * time.Second,
		NoServiceMedia:   "sound:ss-noservice",
		MOHClass:         "default",
	}
}

// Metrics receives engine measurements
type Metrics interface {
	CallStarted()
	CallEnded(status model.CallStatus, d time.Duration)
	VerbDispatched(verb string)
	ScriptFetched(method string, d time.Duration, err error)
	RoutingMiss()
}

// CallRecordPublisher receives a record for every finished call
type CallRecordPublisher interface {
	Publish(ctx context.Context, rec model.CallRecord) error
}

type nopMetrics struct{}

func (nopMetrics) CallStarted() {}
func (nopMetrics) CallEnded(model.CallStatus, time.Duration) {}
func (nopMetrics) VerbDispatched(string) {}
func (nopMetrics) ScriptFetched(string, time.Duration, error) {}
func (nopMetrics) RoutingMiss() {}

// Engine accepts inbound channels, routes them to scripts and runs one
// Session per call
type Engine struct {
	cfg      Config
	client   telephony.Client
	router   routing.Router
	registry Registry
	bridges  *Bridges
	cache    *media.Cache
	speech   tts.Provider
	webhook  httpstub.WebhookClient
	clock    Clock
	log      *slog.Logger
	metrics  Metrics
	records  CallRecordPublisher

	mu        sync.RWMutex
	sessions  map[model.SID]*Session
	finished  []model.Call
	listeners map[chan model.Event]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithClock sets a specific clock implementation
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithWebhookClient sets the client used for script fetches and media downloads
func WithWebhookClient(client httpstub.WebhookClient) EngineOption {
	return func(e *Engine) {
		e.webhook = client
	}
}

// WithConfig replaces the default configuration
func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithRegistry replaces the verb handlers
func WithRegistry(r Registry) EngineOption {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithMediaCache sets the cache for synthesized and downloaded audio
func WithMediaCache(c *media.Cache) EngineOption {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithSpeech sets the text-to-speech provider used by Say
func WithSpeech(p tts.Provider) EngineOption {
	return func(e *Engine) {
		e.speech = p
	}
}

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithCallRecords publishes a record for each finished call
func WithCallRecords(p CallRecordPublisher) EngineOption {
	return func(e *Engine) {
		e.records = p
	}
}

// NewEngine creates a new engine instance
func NewEngine(client telephony.Client, router routing.Router, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       DefaultConfig(),
		client:    client,
		router:    router,
		registry:  DefaultRegistry(),
		webhook:   httpstub.NewDefaultWebhookClient(10 * time.Second),
		clock:     NewAutoClock(),
		log:       slog.Default(),
		metrics:   nopMetrics{},
		sessions:  make(map[model.SID]*Session),
		listeners: make(map[chan model.Event]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, opt := range opts {
		opt(e)
	}
	e.bridges = NewBridges(ctx, client, e.log)

	return e
}

// Clock returns the engine clock
func (e *Engine) Clock() Clock {
	return e.clock
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Bridges returns the bridge coordinator shared by all sessions
func (e *Engine) Bridges() *Bridges {
	return e.bridges
}

// Run receives inbound channels until ctx is cancelled or the engine is closed
func (e *Engine) Run(ctx context.Context) error {
	sub := e.client.Subscribe(telephony.StasisStart)
	defer sub.Cancel()

	e.log.Info("call engine started", "app", e.cfg.App, "verbs", e.registry.Verbs())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("event stream closed")
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.HandleStasisStart(ev)
			}()
		}
	}
}

// HandleStasisStart routes a channel that entered the application and starts
// its session. It returns nil when the channel is not routed.
func (e *Engine) HandleStasisStart(ev telephony.Event) *Session {
	log := e.log.With("channel", ev.ChannelID)
	if len(ev.Args) > 0 && ev.Args[0] == dialedArg {
		log.Debug("ignoring dialed call leg")
		return nil
	}
	log.Info("channel entered the application", "name", ev.ChannelName)

	ch := e.client.Channel(ev.ChannelID)

	tech, _, _ := strings.Cut(ev.ChannelName, "/")
	if tech != "SIP" && tech != "PJSIP" {
		log.Warn("unsupported channel technology", "technology", tech)
		e.noService(ch, log)
		return nil
	}

	number := ev.Exten
	// A first argument replaces the dialed number, which lets a dialplan
	// test any script from one extension
	if len(ev.Args) > 0 && ev.Args[0] != "" {
		number = ev.Args[0]
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.FetchTimeout)
	route, err := e.router.Lookup(ctx, number)
	cancel()
	if err != nil {
		if !errors.Is(err, routing.ErrNoRoute) {
			log.Error("routing lookup failed", "number", number, "error", err)
		} else {
			log.Warn("no route for number", "number", number)
		}
		e.metrics.RoutingMiss()
		e.noService(ch, log)
		return nil
	}

	s := newSession(e, ch, ev, number, route)
	e.mu.Lock()
	e.sessions[s.sid] = s
	e.mu.Unlock()
	e.metrics.CallStarted()

	log.Info("starting call", "call_sid", s.sid, "number", number, "url", route.URL)
	s.start()
	return s
}

// noService tells the caller the number is not in service and hangs up
func (e *Engine) noService(ch telephony.Channel, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	if err := ch.Answer(ctx); err != nil {
		log.Warn("answer failed", "error", err)
	} else if pb, err := ch.Play(ctx, model.NewChannelID(), e.cfg.NoServiceMedia); err != nil {
		log.Warn("no service playback failed", "error", err)
	} else {
		select {
		case <-pb.Done():
		case <-ctx.Done():
		}
	}
	if err := ch.Hangup(ctx); err != nil && !errors.Is(err, telephony.ErrNotFound) {
		log.Warn("hangup failed", "error", err)
	}
}

// finish moves an ended session out of the active table
func (e *Engine) finish(s *Session) {
	call := s.Snapshot()

	e.mu.Lock()
	delete(e.sessions, s.sid)
	e.finished = append(e.finished, call)
	if len(e.finished) > finishedCallLimit {
		e.finished = slices.Delete(e.finished, 0, len(e.finished)-finishedCallLimit)
	}
	e.mu.Unlock()

	end := e.clock.Now()
	if call.EndedAt != nil {
		end = *call.EndedAt
	}
	e.metrics.CallEnded(call.Status, end.Sub(call.StartAt))

	if e.records == nil {
		return
	}
	rec := model.CallRecord{
		SID:        call.SID,
		AccountSID: call.AccountSID,
		From:       call.From,
		To:         call.To,
		Status:     call.Status,
		StartAt:    call.StartAt,
		EndedAt:    end,
		Duration:   end.Sub(call.StartAt),
		Verbs:      len(call.ExecutedVerbs),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.records.Publish(ctx, rec); err != nil {
			e.log.Warn("publishing call record failed", "call_sid", rec.SID, "error", err)
		}
	}()
}

// Calls returns active calls followed by recently finished ones, oldest first
func (e *Engine) Calls() []model.Call {
	e.mu.RLock()
	active := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		active = append(active, s)
	}
	calls := slices.Clone(e.finished)
	e.mu.RUnlock()

	for _, s := range active {
		calls = append(calls, s.Snapshot())
	}
	slices.SortStableFunc(calls, func(a, b model.Call) int {
		if c := a.StartAt.Compare(b.StartAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.SID), string(b.SID))
	})
	return calls
}

// Call returns one active or recently finished call
func (e *Engine) Call(sid model.SID) (model.Call, error) {
	e.mu.RLock()
	s, ok := e.sessions[sid]
	if !ok {
		for _, c := range e.finished {
			if c.SID == sid {
				e.mu.RUnlock()
				return c, nil
			}
		}
	}
	e.mu.RUnlock()
	if !ok {
		return model.Call{}, fmt.Errorf("call %s: %w", sid, ErrNotFound)
	}
	return s.Snapshot(), nil
}

// Session returns the live session for sid
func (e *Engine) Session(sid model.SID) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sid]
	return s, ok
}

// Hangup ends an active call as if its script had finished
func (e *Engine) Hangup(sid model.SID) error {
	s, ok := e.Session(sid)
	if !ok {
		if _, err := e.Call(sid); err == nil {
			return fmt.Errorf("call %s: %w", sid, ErrCallTerminated)
		}
		return fmt.Errorf("call %s: %w", sid, ErrNotFound)
	}
	if !s.post(s.Terminate) {
		return fmt.Errorf("call %s: %w", sid, ErrCallTerminated)
	}
	s.log.Info("hangup requested through the API")
	return nil
}

// SubscribeEvents streams timeline events from every call. Slow readers miss
// events rather than stalling calls.
func (e *Engine) SubscribeEvents() (<-chan model.Event, func()) {
	ch := make(chan model.Event, 64)
	e.mu.Lock()
	e.listeners[ch] = struct{}{}
	e.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, ch)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) broadcast(ev model.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close terminates every active call and waits for background work
func (e *Engine) Close() error {
	e.mu.RLock()
	active := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		active = append(active, s)
	}
	e.mu.RUnlock()

	for _, s := range active {
		s.post(s.Terminate)
	}
	for _, s := range active {
		<-s.Done()
	}
	e.cancel()
	e.wg.Wait()
	return nil
}
