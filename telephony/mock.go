// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package telephony

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MockClient is an in-memory Client for tests. It records every operation as
// a short string ("answer ch-1", "bridge.add br-1 ch-2") and lets tests inject
// events with Emit.
type MockClient struct {
	mu         sync.Mutex
	ops        []string
	subs       []*mockSub
	gone       map[string]bool
	bridges    map[string]*mockBridge
	playbacks  map[string]*mockPlayback
	recordings map[string]*mockRecording
	originated []OriginateRequest

	// AutoFinishPlayback completes every playback as soon as it starts
	AutoFinishPlayback bool
	// Errors makes the named operation ("answer", "originate", "play",
	// "record", "bridge.create", "bridge.add", "moh") fail
	Errors map[string]error
}

// NewMockClient creates an empty mock
func NewMockClient() *MockClient {
	return &MockClient{
		gone:       make(map[string]bool),
		bridges:    make(map[string]*mockBridge),
		playbacks:  make(map[string]*mockPlayback),
		recordings: make(map[string]*mockRecording),
		Errors:     make(map[string]error),
	}
}

// Ops returns a copy of the recorded operations
func (m *MockClient) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ops)
}

// CountOps counts recorded operations starting with prefix
func (m *MockClient) CountOps(prefix string) int {
	n := 0
	for _, op := range m.Ops() {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

// Originated returns every origination request seen so far
func (m *MockClient) Originated() []OriginateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.originated)
}

// Playbacks returns the ids of started playbacks in start order
func (m *MockClient) Playbacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.playbacks))
	for id := range m.playbacks {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int { return m.playbacks[a].seq - m.playbacks[b].seq })
	return ids
}

// FinishPlayback completes the playback with the given id
func (m *MockClient) FinishPlayback(id string) {
	m.mu.Lock()
	pb := m.playbacks[id]
	m.mu.Unlock()
	if pb != nil {
		pb.finish()
	}
}

// EmitRecording delivers a lifecycle event to the named recording
func (m *MockClient) EmitRecording(name string, kind EventKind) {
	m.mu.Lock()
	rec := m.recordings[name]
	m.mu.Unlock()
	if rec != nil {
		rec.events <- Event{Kind: kind, RecordingName: name}
	}
}

// Recordings returns the names of started recordings
func (m *MockClient) Recordings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.recordings {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Emit delivers ev to every matching subscription. StasisEnd and
// ChannelDestroyed mark the channel as gone.
func (m *MockClient) Emit(ev Event) {
	m.mu.Lock()
	if ev.Kind == StasisEnd || ev.Kind == ChannelDestroyed {
		m.gone[ev.ChannelID] = true
	}
	var targets []*mockSub
	for _, s := range m.subs {
		if s.matches(ev) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

func (m *MockClient) record(op string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := []string{op}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	m.ops = append(m.ops, strings.Join(parts, " "))
	return m.Errors[op]
}

func (m *MockClient) subscribe(channelID string, kinds []EventKind) Subscription {
	s := &mockSub{
		client:    m,
		channelID: channelID,
		kinds:     kinds,
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()
	return s
}

// Subscribe implements Client
func (m *MockClient) Subscribe(kinds ...EventKind) Subscription {
	return m.subscribe("", kinds)
}

// Channel implements Client
func (m *MockClient) Channel(id string) Channel {
	return &mockChannel{id: id, client: m}
}

// Originate implements Client
func (m *MockClient) Originate(ctx context.Context, req OriginateRequest) (Channel, error) {
	if err := m.record("originate", req.Endpoint); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.originated = append(m.originated, req)
	m.mu.Unlock()
	return m.Channel(req.ChannelID), nil
}

// CreateBridge implements Client
func (m *MockClient) CreateBridge(ctx context.Context, id string, typ BridgeType) (Bridge, error) {
	if err := m.record("bridge.create", id, typ); err != nil {
		return nil, err
	}
	b := &mockBridge{id: id, typ: typ, client: m}
	m.mu.Lock()
	m.bridges[id] = b
	m.mu.Unlock()
	return b, nil
}

// ListBridges implements Client
func (m *MockClient) ListBridges(ctx context.Context) ([]BridgeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BridgeInfo, 0, len(m.bridges))
	for _, b := range m.bridges {
		out = append(out, BridgeInfo{ID: b.id, Type: b.typ})
	}
	slices.SortFunc(out, func(a, b BridgeInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Bridge implements Client
func (m *MockClient) Bridge(id string) Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bridges[id]; ok {
		return b
	}
	return &mockBridge{id: id, client: m}
}

type mockSub struct {
	client    *MockClient
	channelID string
	kinds     []EventKind
	events    chan Event
	done      chan struct{}
	once      sync.Once
}

func (s *mockSub) matches(ev Event) bool {
	if s.channelID != "" && s.channelID != ev.ChannelID {
		return false
	}
	return len(s.kinds) == 0 || slices.Contains(s.kinds, ev.Kind)
}

func (s *mockSub) Events() <-chan Event {
	return s.events
}

func (s *mockSub) Cancel() {
	s.once.Do(func() {
		close(s.done)
		m := s.client
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs = slices.DeleteFunc(m.subs, func(o *mockSub) bool { return o == s })
	})
}

type mockChannel struct {
	id     string
	client *MockClient
}

func (c *mockChannel) ID() string {
	return c.id
}

func (c *mockChannel) Answer(ctx context.Context) error {
	return c.client.record("answer", c.id)
}

// Hangup reports the channel leaving the application the way Asterisk does
func (c *mockChannel) Hangup(ctx context.Context) error {
	m := c.client
	if err := m.record("hangup", c.id); err != nil {
		return err
	}
	m.mu.Lock()
	gone := m.gone[c.id]
	m.mu.Unlock()
	if gone {
		return fmt.Errorf("hangup %s: %w", c.id, ErrNotFound)
	}
	m.Emit(Event{Kind: StasisEnd, ChannelID: c.id})
	m.Emit(Event{Kind: ChannelDestroyed, ChannelID: c.id})
	return nil
}

func (c *mockChannel) Play(ctx context.Context, id string, mediaURI string) (Playback, error) {
	m := c.client
	if err := m.record("play", c.id, mediaURI); err != nil {
		return nil, err
	}
	pb := &mockPlayback{id: id, client: m, done: make(chan struct{})}
	m.mu.Lock()
	pb.seq = len(m.playbacks)
	m.playbacks[id] = pb
	auto := m.AutoFinishPlayback
	m.mu.Unlock()
	if auto {
		pb.finish()
	}
	return pb, nil
}

func (c *mockChannel) Record(ctx context.Context, name string, opts RecordOptions) (Recording, error) {
	m := c.client
	if err := m.record("record", c.id, name); err != nil {
		return nil, err
	}
	rec := &mockRecording{name: name, client: m, events: make(chan Event, 8)}
	m.mu.Lock()
	m.recordings[name] = rec
	m.mu.Unlock()
	return rec, nil
}

func (c *mockChannel) MOH(ctx context.Context, class string) error {
	return c.client.record("moh", c.id, class)
}

func (c *mockChannel) Subscribe(kinds ...EventKind) Subscription {
	return c.client.subscribe(c.id, kinds)
}

type mockPlayback struct {
	id     string
	seq    int
	client *MockClient
	done   chan struct{}
	once   sync.Once
}

func (p *mockPlayback) ID() string {
	return p.id
}

func (p *mockPlayback) Stop(ctx context.Context) error {
	p.client.record("playback.stop", p.id)
	p.finish()
	return nil
}

func (p *mockPlayback) Done() <-chan struct{} {
	return p.done
}

func (p *mockPlayback) finish() {
	p.once.Do(func() { close(p.done) })
}

type mockRecording struct {
	name   string
	client *MockClient
	events chan Event
	once   sync.Once
}

func (r *mockRecording) Name() string {
	return r.name
}

func (r *mockRecording) Stop(ctx context.Context) error {
	return r.client.record("recording.stop", r.name)
}

func (r *mockRecording) Events() <-chan Event {
	return r.events
}

func (r *mockRecording) Cancel() {
	r.once.Do(func() {
		r.client.record("recording.cancel", r.name)
	})
}

type mockBridge struct {
	id     string
	typ    BridgeType
	client *MockClient
}

func (b *mockBridge) ID() string {
	return b.id
}

func (b *mockBridge) AddChannel(ctx context.Context, channelID string) error {
	return b.client.record("bridge.add", b.id, channelID)
}

func (b *mockBridge) RemoveChannel(ctx context.Context, channelID string) error {
	return b.client.record("bridge.remove", b.id, channelID)
}

func (b *mockBridge) Destroy(ctx context.Context) error {
	m := b.client
	if err := m.record("bridge.destroy", b.id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bridges[b.id]; !ok {
		return fmt.Errorf("destroy bridge %s: %w", b.id, ErrNotFound)
	}
	delete(m.bridges, b.id)
	return nil
}
