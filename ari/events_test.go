// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package ari

import (
	"errors"
	"testing"

	goari "github.com/CyCoreSystems/ari/v5"

	"github.com/sprucehealth/twiari/telephony"
)

func TestConvertStasisStart(t *testing.T) {
	raw := &goari.StasisStart{
		Args: []string{"+18005550100"},
		Channel: goari.ChannelData{
			ID:       "in-1",
			Name:     "PJSIP/carrier-00000001",
			Caller:   &goari.CallerID{Name: "Alice", Number: "+14155550123"},
			Dialplan: &goari.DialplanCEP{Exten: "100"},
		},
	}
	ev, ok := convert(raw)
	if !ok {
		t.Fatal("StasisStart should convert")
	}
	if ev.Kind != telephony.StasisStart || ev.ChannelID != "in-1" || ev.ChannelName != "PJSIP/carrier-00000001" {
		t.Errorf("unexpected channel fields %+v", ev)
	}
	if ev.CallerNumber != "+14155550123" || ev.CallerName != "Alice" || ev.Exten != "100" {
		t.Errorf("unexpected caller fields %+v", ev)
	}
	if len(ev.Args) != 1 || ev.Args[0] != "+18005550100" {
		t.Errorf("unexpected args %v", ev.Args)
	}
}

func TestConvertChannelEvents(t *testing.T) {
	ch := goari.ChannelData{ID: "in-1"}
	cases := []struct {
		raw  goari.Event
		want telephony.Event
	}{
		{&goari.ChannelDtmfReceived{Channel: ch, Digit: "5"}, telephony.Event{Kind: telephony.ChannelDtmfReceived, ChannelID: "in-1", Digit: "5"}},
		{&goari.ChannelHangupRequest{Channel: ch, Cause: 16}, telephony.Event{Kind: telephony.ChannelHangupRequest, ChannelID: "in-1", Cause: "16"}},
		{&goari.ChannelDestroyed{Channel: ch, CauseTxt: "Normal Clearing"}, telephony.Event{Kind: telephony.ChannelDestroyed, ChannelID: "in-1", Cause: "Normal Clearing"}},
		{&goari.StasisEnd{Channel: ch}, telephony.Event{Kind: telephony.StasisEnd, ChannelID: "in-1"}},
		{&goari.PlaybackFinished{Playback: goari.PlaybackData{ID: "pb-1"}}, telephony.Event{Kind: telephony.PlaybackFinished, PlaybackID: "pb-1"}},
		{&goari.RecordingFinished{Recording: goari.LiveRecordingData{Name: "rec"}}, telephony.Event{Kind: telephony.RecordingFinished, RecordingName: "rec"}},
	}
	for _, c := range cases {
		got, ok := convert(c.raw)
		if !ok {
			t.Errorf("%s should convert", c.want.Kind)
			continue
		}
		if got.Kind != c.want.Kind || got.ChannelID != c.want.ChannelID || got.Digit != c.want.Digit ||
			got.Cause != c.want.Cause || got.PlaybackID != c.want.PlaybackID || got.RecordingName != c.want.RecordingName {
			t.Errorf("%s: expected %+v, got %+v", c.want.Kind, c.want, got)
		}
	}

	if _, ok := convert(&goari.ChannelVarset{Channel: ch}); ok {
		t.Error("unused events should be dropped")
	}
}

func TestConvertWithoutCallerData(t *testing.T) {
	ev, ok := convert(&goari.ChannelHangupRequest{Channel: goari.ChannelData{ID: "in-1"}})
	if !ok {
		t.Fatal("ChannelHangupRequest should convert")
	}
	if ev.ChannelID != "in-1" || ev.CallerNumber != "" || ev.Exten != "" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(errors.New("request failed: 404 Not Found")) {
		t.Error("404 responses are not found")
	}
	if isNotFound(errors.New("connection refused")) {
		t.Error("transport errors are not not-found")
	}
}
