// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package ari implements telephony.Client against the Asterisk REST Interface.
package ari

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goari "github.com/CyCoreSystems/ari/v5"
	"github.com/CyCoreSystems/ari/v5/client/native"

	"github.com/sprucehealth/twiari/telephony"
)

// Options describes the Asterisk connection
type Options struct {
	Application  string
	URL          string
	WebsocketURL string
	Username     string
	Password     string
}

// Client adapts an ARI connection to telephony.Client
type Client struct {
	ari goari.Client
	log *slog.Logger
}

var _ telephony.Client = (*Client)(nil)

// Connect dials Asterisk and registers the Stasis application
func Connect(opts Options, log *slog.Logger) (*Client, error) {
	cl, err := native.Connect(&native.Options{
		Application:  opts.Application,
		URL:          opts.URL,
		WebsocketURL: opts.WebsocketURL,
		Username:     opts.Username,
		Password:     opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ARI at %s: %w", opts.URL, err)
	}
	log.Info("connected to ARI", "url", opts.URL, "app", opts.Application)
	return New(cl, log), nil
}

// New wraps an existing ARI client
func New(cl goari.Client, log *slog.Logger) *Client {
	return &Client{ari: cl, log: log}
}

// Close closes the ARI connection
func (c *Client) Close() {
	c.ari.Close()
}

func (c *Client) Subscribe(kinds ...telephony.EventKind) telephony.Subscription {
	return newSubscription(c.ari.Bus().Subscribe(nil, eventNames(kinds)...))
}

func (c *Client) Channel(id string) telephony.Channel {
	return &channel{h: c.ari.Channel().Get(goari.NewKey(goari.ChannelKey, id))}
}

func (c *Client) Originate(ctx context.Context, req telephony.OriginateRequest) (telephony.Channel, error) {
	var h *goari.ChannelHandle
	err := run(ctx, func() (err error) {
		h, err = c.ari.Channel().Originate(nil, goari.OriginateRequest{
			Endpoint:  req.Endpoint,
			App:       req.App,
			AppArgs:   req.AppArgs,
			CallerID:  req.CallerID,
			ChannelID: req.ChannelID,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("originate %s: %w", req.Endpoint, err)
	}
	return &channel{h: h}, nil
}

func (c *Client) CreateBridge(ctx context.Context, id string, typ telephony.BridgeType) (telephony.Bridge, error) {
	var h *goari.BridgeHandle
	err := run(ctx, func() (err error) {
		h, err = c.ari.Bridge().Create(goari.NewKey(goari.BridgeKey, id), string(typ), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &bridge{h: h}, nil
}

func (c *Client) ListBridges(ctx context.Context) ([]telephony.BridgeInfo, error) {
	var infos []telephony.BridgeInfo
	err := run(ctx, func() error {
		keys, err := c.ari.Bridge().List(nil)
		if err != nil {
			return err
		}
		for _, key := range keys {
			data, err := c.ari.Bridge().Data(key)
			if err != nil {
				// Bridges may vanish between list and lookup
				if isNotFound(err) {
					continue
				}
				return err
			}
			infos = append(infos, telephony.BridgeInfo{ID: data.ID, Type: telephony.BridgeType(data.Type)})
		}
		return nil
	})
	return infos, err
}

func (c *Client) Bridge(id string) telephony.Bridge {
	return &bridge{h: c.ari.Bridge().Get(goari.NewKey(goari.BridgeKey, id))}
}

type channel struct {
	h *goari.ChannelHandle
}

func (ch *channel) ID() string {
	return ch.h.ID()
}

func (ch *channel) Answer(ctx context.Context) error {
	return run(ctx, ch.h.Answer)
}

func (ch *channel) Hangup(ctx context.Context) error {
	return run(ctx, ch.h.Hangup)
}

func (ch *channel) MOH(ctx context.Context, class string) error {
	return run(ctx, func() error { return ch.h.MOH(class) })
}

// Play stages the playback so its finish event cannot be missed
func (ch *channel) Play(ctx context.Context, id string, mediaURI string) (telephony.Playback, error) {
	var pb *playback
	err := run(ctx, func() error {
		h, err := ch.h.StagePlay(id, mediaURI)
		if err != nil {
			return err
		}
		sub := h.Subscribe(goari.Events.PlaybackFinished)
		pb = newPlayback(h, sub)
		if err := h.Exec(); err != nil {
			pb.close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pb, nil
}

func (ch *channel) Record(ctx context.Context, name string, opts telephony.RecordOptions) (telephony.Recording, error) {
	var rec *recording
	err := run(ctx, func() error {
		h, err := ch.h.StageRecord(name, &goari.RecordingOptions{
			Format:      opts.Format,
			MaxDuration: time.Duration(opts.MaxDuration) * time.Second,
			MaxSilence:  time.Duration(opts.MaxSilence) * time.Second,
			Exists:      opts.IfExists,
			Beep:        opts.Beep,
			Terminate:   opts.TerminateOn,
		})
		if err != nil {
			return err
		}
		sub := h.Subscribe(goari.Events.RecordingStarted, goari.Events.RecordingFinished, goari.Events.RecordingFailed)
		rec = &recording{h: h, sub: newSubscription(sub)}
		if err := h.Exec(); err != nil {
			rec.sub.Cancel()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (ch *channel) Subscribe(kinds ...telephony.EventKind) telephony.Subscription {
	return newSubscription(ch.h.Subscribe(eventNames(kinds)...))
}

type playback struct {
	h    *goari.PlaybackHandle
	sub  goari.Subscription
	done chan struct{}
	stop chan struct{}
}

func newPlayback(h *goari.PlaybackHandle, sub goari.Subscription) *playback {
	p := &playback{h: h, sub: sub, done: make(chan struct{}), stop: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer sub.Cancel()
		select {
		case <-sub.Events():
		case <-p.stop:
		}
	}()
	return p
}

func (p *playback) close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

func (p *playback) ID() string {
	return p.h.ID()
}

func (p *playback) Stop(ctx context.Context) error {
	err := run(ctx, p.h.Stop)
	if err != nil && !isNotFound(err) {
		return err
	}
	p.close()
	return nil
}

func (p *playback) Done() <-chan struct{} {
	return p.done
}

type recording struct {
	h   *goari.LiveRecordingHandle
	sub *subscription
}

func (r *recording) Name() string {
	return r.h.ID()
}

func (r *recording) Stop(ctx context.Context) error {
	return run(ctx, r.h.Stop)
}

func (r *recording) Events() <-chan telephony.Event {
	return r.sub.Events()
}

func (r *recording) Cancel() {
	r.sub.Cancel()
}

type bridge struct {
	h *goari.BridgeHandle
}

func (b *bridge) ID() string {
	return b.h.ID()
}

func (b *bridge) AddChannel(ctx context.Context, channelID string) error {
	return run(ctx, func() error { return b.h.AddChannel(channelID) })
}

func (b *bridge) RemoveChannel(ctx context.Context, channelID string) error {
	return run(ctx, func() error { return b.h.RemoveChannel(channelID) })
}

func (b *bridge) Destroy(ctx context.Context) error {
	return run(ctx, b.h.Delete)
}

// run performs a blocking ARI request, giving up when ctx is done. Not-found
// responses are reported as telephony.ErrNotFound.
func run(ctx context.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() {
		errc <- op()
	}()
	select {
	case err := <-errc:
		if err != nil && isNotFound(err) {
			return fmt.Errorf("%w: %v", telephony.ErrNotFound, err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isNotFound recognizes the 404 responses Asterisk sends for channels,
// bridges and playbacks that are already gone
func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}

func eventNames(kinds []telephony.EventKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
