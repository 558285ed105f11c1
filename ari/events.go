// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package ari

import (
	"strconv"
	"sync"

	goari "github.com/CyCoreSystems/ari/v5"

	"github.com/sprucehealth/twiari/telephony"
)

// subscription converts ARI events until cancelled, then closes Events
type subscription struct {
	sub    goari.Subscription
	out    chan telephony.Event
	cancel chan struct{}
	once   sync.Once
}

func newSubscription(sub goari.Subscription) *subscription {
	s := &subscription{
		sub:    sub,
		out:    make(chan telephony.Event, 16),
		cancel: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.cancel:
			return
		case raw, ok := <-s.sub.Events():
			if !ok {
				return
			}
			ev, ok := convert(raw)
			if !ok {
				continue
			}
			select {
			case s.out <- ev:
			case <-s.cancel:
				return
			}
		}
	}
}

func (s *subscription) Events() <-chan telephony.Event {
	return s.out
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		close(s.cancel)
		s.sub.Cancel()
	})
}

// channelEvent copies the channel fields. Caller and dialplan are omitted
// from some events.
func channelEvent(kind telephony.EventKind, ch goari.ChannelData) telephony.Event {
	ev := telephony.Event{
		Kind:        kind,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
	}
	if ch.Caller != nil {
		ev.CallerNumber = ch.Caller.Number
		ev.CallerName = ch.Caller.Name
	}
	if ch.Dialplan != nil {
		ev.Exten = ch.Dialplan.Exten
	}
	return ev
}

// convert maps the ARI events the engine consumes. Others are dropped.
func convert(raw goari.Event) (telephony.Event, bool) {
	switch e := raw.(type) {
	case *goari.StasisStart:
		ev := channelEvent(telephony.StasisStart, e.Channel)
		ev.Args = e.Args
		return ev, true
	case *goari.StasisEnd:
		return channelEvent(telephony.StasisEnd, e.Channel), true
	case *goari.ChannelDtmfReceived:
		ev := channelEvent(telephony.ChannelDtmfReceived, e.Channel)
		ev.Digit = e.Digit
		return ev, true
	case *goari.ChannelHangupRequest:
		ev := channelEvent(telephony.ChannelHangupRequest, e.Channel)
		ev.Cause = strconv.Itoa(e.Cause)
		return ev, true
	case *goari.ChannelDestroyed:
		ev := channelEvent(telephony.ChannelDestroyed, e.Channel)
		ev.Cause = e.CauseTxt
		return ev, true
	case *goari.PlaybackFinished:
		return telephony.Event{Kind: telephony.PlaybackFinished, PlaybackID: e.Playback.ID}, true
	case *goari.RecordingStarted:
		return telephony.Event{Kind: telephony.RecordingStarted, RecordingName: e.Recording.Name}, true
	case *goari.RecordingFinished:
		return telephony.Event{Kind: telephony.RecordingFinished, RecordingName: e.Recording.Name}, true
	case *goari.RecordingFailed:
		return telephony.Event{Kind: telephony.RecordingFailed, RecordingName: e.Recording.Name, Cause: e.Recording.Cause}, true
	}
	return telephony.Event{}, false
}
