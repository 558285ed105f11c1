// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package telephony describes the channel and bridge control surface the call
// engine drives. The ari package implements it against Asterisk; MockClient
// implements it in memory for tests.
package telephony

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a channel, bridge or playback no longer exists
var ErrNotFound = errors.New("telephony: not found")

// EventKind names a control-plane event
type EventKind string

const (
	StasisStart          EventKind = "StasisStart"
	StasisEnd            EventKind = "StasisEnd"
	ChannelDtmfReceived  EventKind = "ChannelDtmfReceived"
	ChannelHangupRequest EventKind = "ChannelHangupRequest"
	ChannelDestroyed     EventKind = "ChannelDestroyed"
	PlaybackFinished     EventKind = "PlaybackFinished"
	RecordingStarted     EventKind = "RecordingStarted"
	RecordingFinished    EventKind = "RecordingFinished"
	RecordingFailed      EventKind = "RecordingFailed"
)

// BridgeType selects how a bridge treats its members
type BridgeType string

const (
	MixingBridge  BridgeType = "mixing"
	HoldingBridge BridgeType = "holding"
)

// Event is a decoded control-plane event. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind          EventKind
	ChannelID     string
	ChannelName   string
	CallerNumber  string
	CallerName    string
	Exten         string
	Args          []string
	Digit         string
	PlaybackID    string
	RecordingName string
	Cause         string
}

// Subscription delivers events until cancelled
type Subscription interface {
	Events() <-chan Event
	Cancel()
}

// OriginateRequest describes an outbound leg
type OriginateRequest struct {
	ChannelID string
	Endpoint  string
	App       string
	AppArgs   string
	CallerID  string
}

// RecordOptions configures a channel recording
type RecordOptions struct {
	Format      string
	MaxDuration int // seconds, 0 for unbounded
	MaxSilence  int // seconds, 0 for unbounded
	Beep        bool
	TerminateOn string
	IfExists    string
}

// BridgeInfo describes an existing bridge
type BridgeInfo struct {
	ID   string
	Type BridgeType
}

// Client is the application-level control surface
type Client interface {
	// Subscribe delivers application-wide events of the given kinds
	Subscribe(kinds ...EventKind) Subscription
	Channel(id string) Channel
	Originate(ctx context.Context, req OriginateRequest) (Channel, error)
	CreateBridge(ctx context.Context, id string, typ BridgeType) (Bridge, error)
	ListBridges(ctx context.Context) ([]BridgeInfo, error)
	Bridge(id string) Bridge
}

// Channel is one call leg
type Channel interface {
	ID() string
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	// Play starts media on the channel. The returned Playback reports when it ends.
	Play(ctx context.Context, id string, mediaURI string) (Playback, error)
	// Record starts a recording. Lifecycle events arrive on the Recording.
	Record(ctx context.Context, name string, opts RecordOptions) (Recording, error)
	MOH(ctx context.Context, class string) error
	// Subscribe delivers events of the given kinds scoped to this channel.
	// Subscribing before the channel exists is allowed.
	Subscribe(kinds ...EventKind) Subscription
}

// Playback is a media playback in progress
type Playback interface {
	ID() string
	Stop(ctx context.Context) error
	// Done is closed when the playback finishes or is stopped
	Done() <-chan struct{}
}

// Recording is a live recording in progress
type Recording interface {
	Name() string
	Stop(ctx context.Context) error
	// Events delivers RecordingStarted, RecordingFinished and RecordingFailed
	Events() <-chan Event
	// Cancel releases the event subscription. The recording keeps running.
	Cancel()
}

// Bridge is a mixing or holding bridge
type Bridge interface {
	ID() string
	AddChannel(ctx context.Context, channelID string) error
	RemoveChannel(ctx context.Context, channelID string) error
	Destroy(ctx context.Context) error
}
