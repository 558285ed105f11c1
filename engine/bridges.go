// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sprucehealth/twiari/telephony"
)

const bridgeOpTimeout = 10 * time.Second

// Bridges finds, creates and tears down bridges on behalf of every session,
// and propagates hangup between bridged legs
type Bridges struct {
	ctx    context.Context
	client telephony.Client
	log    *slog.Logger

	// mu serializes holding bridge find-or-create within this process
	mu sync.Mutex
}

// NewBridges creates a coordinator whose watchers stop when ctx is done
func NewBridges(ctx context.Context, client telephony.Client, log *slog.Logger) *Bridges {
	return &Bridges{ctx: ctx, client: client, log: log}
}

// Find returns the first bridge of the given type
func (b *Bridges) Find(ctx context.Context, typ telephony.BridgeType) (telephony.Bridge, error) {
	bridges, err := b.client.ListBridges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bridges: %w", err)
	}
	for _, info := range bridges {
		if info.Type == typ {
			return b.client.Bridge(info.ID), nil
		}
	}
	return nil, fmt.Errorf("%s bridge: %w", typ, ErrNotFound)
}

// Create makes a new bridge of the given type
func (b *Bridges) Create(ctx context.Context, typ telephony.BridgeType) (telephony.Bridge, error) {
	br, err := b.client.CreateBridge(ctx, uuid.NewString(), typ)
	if err != nil {
		return nil, fmt.Errorf("create %s bridge: %w", typ, err)
	}
	b.log.Info("created bridge", "bridge", br.ID(), "type", typ)
	return br, nil
}

// Holding returns the shared holding bridge, creating it on first use. Other
// processes attached to the same Asterisk may still race to create one.
func (b *Bridges) Holding(ctx context.Context) (telephony.Bridge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br, err := b.Find(ctx, telephony.HoldingBridge)
	if err == nil {
		return br, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return b.Create(ctx, telephony.HoldingBridge)
}

// Join answers the dialed leg, puts both legs in a new mixing bridge and
// links their hangups. A non-nil bridge returned with an error is already
// linked and will be cleaned up when the legs leave.
func (b *Bridges) Join(ctx context.Context, orig, dialed telephony.Channel) (telephony.Bridge, error) {
	if err := dialed.Answer(ctx); err != nil {
		return nil, fmt.Errorf("answer dialed channel %s: %w", dialed.ID(), err)
	}
	br, err := b.Create(ctx, telephony.MixingBridge)
	if err != nil {
		return nil, err
	}
	b.Link(br, orig, dialed)

	for _, ch := range []telephony.Channel{orig, dialed} {
		if err := br.AddChannel(ctx, ch.ID()); err != nil {
			return br, fmt.Errorf("add channel %s to bridge %s: %w", ch.ID(), br.ID(), err)
		}
	}
	b.log.Info("channels bridged", "bridge", br.ID(), "channel", orig.ID(), "dialed", dialed.ID())
	return br, nil
}

// Link propagates hangup between two bridged legs. When orig leaves the
// application the dialed leg is hung up; when the dialed leg leaves the
// bridge is destroyed, and once it is destroyed orig is hung up. Each of
// those happens at most once. Link subscribes before it returns.
func (b *Bridges) Link(br telephony.Bridge, orig, dialed telephony.Channel) {
	origSub := orig.Subscribe(telephony.StasisEnd)
	dialedSub := dialed.Subscribe(telephony.StasisEnd, telephony.ChannelDestroyed)
	log := b.log.With("bridge", br.ID(), "channel", orig.ID(), "dialed", dialed.ID())

	go func() {
		defer origSub.Cancel()
		defer dialedSub.Cancel()

		var origGone, dialedGone, destroyed bool
		destroy := func() {
			if destroyed {
				return
			}
			destroyed = true
			log.Info("dialed channel left the application, destroying bridge")
			b.do(log, "destroy bridge", br.Destroy)
		}

		for !origGone || !dialedGone {
			select {
			case <-b.ctx.Done():
				return
			case _, ok := <-origSub.Events():
				if !ok {
					return
				}
				if origGone {
					continue
				}
				origGone = true
				if !dialedGone {
					log.Info("channel left the application, hanging up dialed channel")
					b.do(log, "hang up dialed channel", dialed.Hangup)
				}
			case ev, ok := <-dialedSub.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case telephony.StasisEnd:
					destroy()
				case telephony.ChannelDestroyed:
					dialedGone = true
					destroy()
					if !origGone {
						log.Info("dialed channel hung up, hanging up channel")
						b.do(log, "hang up channel", orig.Hangup)
					}
				}
			}
		}
	}()
}

// do runs a teardown step. A leg or bridge that is already gone is the
// expected outcome of both sides hanging up together.
func (b *Bridges) do(log *slog.Logger, what string, op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(b.ctx, bridgeOpTimeout)
	defer cancel()
	if err := op(ctx); err != nil && !errors.Is(err, telephony.ErrNotFound) {
		log.Warn(what+" failed", "error", err)
	}
}
