// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sprucehealth/twiari/engine"
	"github.com/sprucehealth/twiari/httpstub"
	"github.com/sprucehealth/twiari/media"
	"github.com/sprucehealth/twiari/model"
	"github.com/sprucehealth/twiari/routing"
	"github.com/sprucehealth/twiari/telephony"
	"github.com/sprucehealth/twiari/tts"
)

const (
	routedNumber = "+18005550100"
	callerNumber = "+15551110000"
	inboundLeg   = "in-1"
	answerURL    = "http://test/answer"
)

type fakeSpeech struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSpeech) Name() string { return "fake" }

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, opts tts.Options) (*media.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return &media.Audio{Data: []byte("RIFF" + text), Ext: "wav"}, nil
}

func (f *fakeSpeech) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type harness struct {
	t      *testing.T
	client *telephony.MockClient
	web    *httpstub.MockWebhookClient
	clock  *engine.ManualClock
	speech *fakeSpeech
	e      *engine.Engine
}

// newHarness builds an engine whose webhook serves scripts by URL. Unknown
// URLs get an empty response.
func newHarness(t *testing.T, scripts map[string]string, opts ...engine.EngineOption) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		client: telephony.NewMockClient(),
		web:    httpstub.NewMockWebhookClient(),
		clock:  engine.NewManualClock(time.Time{}),
		speech: &fakeSpeech{},
	}
	h.client.AutoFinishPlayback = true
	h.web.ResponseFunc = func(method, targetURL string, form url.Values) (int, []byte, http.Header, error) {
		if body, ok := scripts[targetURL]; ok {
			return 200, []byte(body), make(http.Header), nil
		}
		return 200, []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`), make(http.Header), nil
	}

	cache, err := media.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := engine.DefaultConfig()
	cfg.ServerBaseURL = "http://recordings.test/"

	router := routing.StaticRouter{routedNumber: {URL: answerURL}}
	opts = append([]engine.EngineOption{
		engine.WithClock(h.clock),
		engine.WithWebhookClient(h.web),
		engine.WithMediaCache(cache),
		engine.WithSpeech(h.speech),
		engine.WithConfig(cfg),
	}, opts...)
	h.e = engine.NewEngine(h.client, router, opts...)
	t.Cleanup(func() { h.e.Close() })
	return h
}

// call delivers an inbound channel for number
func (h *harness) call(channelID, number string) *engine.Session {
	return h.e.HandleStasisStart(telephony.Event{
		Kind:         telephony.StasisStart,
		ChannelID:    channelID,
		ChannelName:  "PJSIP/trunk-00000001",
		CallerNumber: callerNumber,
		CallerName:   "Alice",
		Exten:        number,
	})
}

func (h *harness) digits(channelID, digits string) {
	for _, d := range digits {
		h.client.Emit(telephony.Event{Kind: telephony.ChannelDtmfReceived, ChannelID: channelID, Digit: string(d)})
	}
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; ops: %v", what, h.client.Ops())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitDone(s *engine.Session) {
	h.t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		h.t.Fatalf("call did not end; ops: %v", h.client.Ops())
	}
}

func (h *harness) waitForTimers(n int) {
	h.t.Helper()
	h.waitFor("pending timers", func() bool { return h.clock.PendingTimers() == n })
}

func (h *harness) waitForWebhook(url string) httpstub.MockCall {
	h.t.Helper()
	h.waitFor("webhook "+url, func() bool { return len(h.web.GetCallsTo(url)) > 0 })
	return h.web.GetCallsTo(url)[0]
}

func (h *harness) count(op string) int {
	return h.client.CountOps(op)
}

func TestSayThenDialCreatesMixingBridge(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say>Please wait</Say>
  <Dial><Number>+18004444444</Number></Dial>
</Response>`,
	})

	s := h.call(inboundLeg, routedNumber)
	if s == nil {
		t.Fatal("expected a session for a routed number")
	}

	h.waitFor("origination", func() bool { return len(h.client.Originated()) == 1 })
	req := h.client.Originated()[0]
	if req.Endpoint != "PJSIP/+18004444444@trunk" {
		t.Errorf("unexpected endpoint %s", req.Endpoint)
	}
	if req.App != "aria" || req.AppArgs != "dialed" {
		t.Errorf("unexpected origination %+v", req)
	}
	if h.speech.count() != 1 || h.count("play "+inboundLeg+" sound:") != 1 {
		t.Errorf("expected one synthesis and one playback, got %d and %d", h.speech.count(), h.count("play "+inboundLeg))
	}

	// The dialed leg entering the application belongs to the dialing call
	if other := h.e.HandleStasisStart(telephony.Event{
		Kind:        telephony.StasisStart,
		ChannelID:   req.ChannelID,
		ChannelName: "PJSIP/trunk-00000002",
		Args:        []string{"dialed"},
	}); other != nil {
		t.Error("dialed leg must not start a new call")
	}

	h.client.Emit(telephony.Event{Kind: telephony.StasisStart, ChannelID: req.ChannelID, Args: []string{"dialed"}})
	h.waitFor("both legs bridged", func() bool { return h.count("bridge.add") == 2 })

	if h.count("answer "+req.ChannelID) != 1 {
		t.Error("dialed leg was not answered")
	}
	var created bool
	for _, op := range h.client.Ops() {
		if strings.HasPrefix(op, "bridge.create") && strings.HasSuffix(op, " mixing") {
			created = true
		}
	}
	if !created {
		t.Errorf("expected a mixing bridge, ops: %v", h.client.Ops())
	}

	call, err := h.e.Call(s.SID())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(call.ExecutedVerbs, ",") != "Say,Dial" {
		t.Errorf("unexpected verbs %v", call.ExecutedVerbs)
	}
	if call.DialedChannel != req.ChannelID {
		t.Errorf("expected dialed channel %s, got %s", req.ChannelID, call.DialedChannel)
	}
}

// dialAndBridge runs a call to the point where both legs are bridged and
// returns the dialed channel id
func dialAndBridge(t *testing.T, h *harness) (*engine.Session, string) {
	t.Helper()
	s := h.call(inboundLeg, routedNumber)
	h.waitFor("origination", func() bool { return len(h.client.Originated()) == 1 })
	dialed := h.client.Originated()[0].ChannelID
	h.client.Emit(telephony.Event{Kind: telephony.StasisStart, ChannelID: dialed, Args: []string{"dialed"}})
	h.waitFor("both legs bridged", func() bool { return h.count("bridge.add") == 2 })
	return s, dialed
}

func TestCallerLeavingHangsUpDialedLegOnce(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Dial>+18004444444</Dial></Response>`,
	})
	s, dialed := dialAndBridge(t, h)

	h.client.Emit(telephony.Event{Kind: telephony.StasisEnd, ChannelID: inboundLeg})
	h.waitDone(s)
	h.waitFor("bridge teardown", func() bool { return h.count("bridge.destroy") == 1 })

	// Give any duplicate teardown a chance to show up
	time.Sleep(50 * time.Millisecond)
	if n := h.count("hangup " + dialed); n != 1 {
		t.Errorf("expected dialed leg to be hung up once, got %d", n)
	}
	if n := h.count("bridge.destroy"); n != 1 {
		t.Errorf("expected bridge to be destroyed once, got %d", n)
	}
	if n := h.count("hangup " + inboundLeg); n != 0 {
		t.Errorf("caller already left, got %d hangups", n)
	}

	call, err := h.e.Call(s.SID())
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != model.CallCompleted || call.EndedAt == nil {
		t.Errorf("expected completed call, got %s", call.Status)
	}
}

func TestDialedLegHangupEndsCall(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Dial>+18004444444</Dial></Response>`,
	})
	s, dialed := dialAndBridge(t, h)

	h.client.Emit(telephony.Event{Kind: telephony.StasisEnd, ChannelID: dialed})
	h.client.Emit(telephony.Event{Kind: telephony.ChannelDestroyed, ChannelID: dialed})
	h.waitDone(s)

	time.Sleep(50 * time.Millisecond)
	if n := h.count("bridge.destroy"); n != 1 {
		t.Errorf("expected bridge to be destroyed once, got %d", n)
	}
	if n := h.count("hangup " + inboundLeg); n != 1 {
		t.Errorf("expected caller to be hung up once, got %d", n)
	}
	if n := h.count("hangup " + dialed); n != 0 {
		t.Errorf("dialed leg already left, got %d hangups", n)
	}
}

func TestDialWithoutBridgeContinuesOnDialedLeg(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL:                   `<Response><Dial bridge="false" action="/connected">+18004444444</Dial></Response>`,
		"http://test/connected": `<Response><Hangup/></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitFor("origination", func() bool { return len(h.client.Originated()) == 1 })
	dialed := h.client.Originated()[0].ChannelID

	h.client.Emit(telephony.Event{Kind: telephony.StasisStart, ChannelID: dialed, Args: []string{"dialed"}})
	got := h.waitForWebhook("http://test/connected")
	if got.Method != http.MethodPost {
		t.Errorf("expected POST continuation, got %s", got.Method)
	}
	if got.Form.Get("CallSid") != string(s.SID()) {
		t.Errorf("continuation is missing call data: %v", got.Form)
	}

	h.waitDone(s)
	call, _ := h.e.Call(s.SID())
	if call.ActiveChannel != dialed {
		t.Errorf("expected active channel %s, got %s", dialed, call.ActiveChannel)
	}
	if h.count("bridge.create") != 0 {
		t.Error("no bridge expected when bridging is disabled")
	}
	if h.count("answer "+dialed) != 1 {
		t.Error("dialed leg was not answered")
	}
	h.waitFor("both legs hung up", func() bool {
		return h.count("hangup "+dialed) == 1 && h.count("hangup "+inboundLeg) == 1
	})
}

func TestDialOriginateFailureAdvances(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Dial>+18004444444</Dial><Redirect>/next</Redirect></Response>`,
	})
	h.client.Errors["originate"] = errors.New("trunk unavailable")

	s := h.call(inboundLeg, routedNumber)
	h.waitForWebhook("http://test/next")
	h.waitDone(s)
	if h.count("bridge.create") != 0 {
		t.Error("no bridge expected after a failed origination")
	}
}

func TestBridgeWithoutDialedLegAdvances(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Bridge/><Redirect>/next</Redirect></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitForWebhook("http://test/next")
	h.waitDone(s)
	if h.count("bridge.") != 0 {
		t.Errorf("unexpected bridge operations: %v", h.client.Ops())
	}
}

func TestGatherCompletesOnMaxDigits(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Gather numDigits="4" finishOnKey="#" action="/gathered"/></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitForTimers(1)

	h.digits(inboundLeg, "1234")
	got := h.waitForWebhook("http://test/gathered")
	if got.Form.Get("Digits") != "1234" {
		t.Errorf("expected Digits=1234, got %q", got.Form.Get("Digits"))
	}
	if got.Form.Get("AccountSid") != model.AccountSID || got.Form.Get("ApiVersion") != model.APIVersion {
		t.Errorf("missing call data: %v", got.Form)
	}

	h.waitDone(s)
	if n := h.clock.PendingTimers(); n != 0 {
		t.Errorf("gather timer still pending: %d", n)
	}
	call, _ := h.e.Call(s.SID())
	if call.Digits != "" {
		t.Errorf("digit buffer should be empty after completion, got %q", call.Digits)
	}
}

func TestGatherTerminatorDigit(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Gather action="/gathered"/></Response>`,
	})
	h.call(inboundLeg, routedNumber)
	h.waitForTimers(1)

	h.digits(inboundLeg, "12#3")
	got := h.waitForWebhook("http://test/gathered")
	if got.Form.Get("Digits") != "12" {
		t.Errorf("expected Digits=12, got %q", got.Form.Get("Digits"))
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(h.web.GetCallsTo("http://test/gathered")); n != 1 {
		t.Errorf("expected one completion, got %d", n)
	}
}

func TestGatherLoneTerminatorPosts(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Gather action="/gathered"/><Redirect>/next</Redirect></Response>`,
	})
	h.call(inboundLeg, routedNumber)
	h.waitForTimers(1)

	h.digits(inboundLeg, "#")
	got := h.waitForWebhook("http://test/gathered")
	if _, ok := got.Form["Digits"]; !ok || got.Form.Get("Digits") != "" {
		t.Errorf("expected empty Digits, got %v", got.Form["Digits"])
	}
	if n := len(h.web.GetCallsTo("http://test/next")); n != 0 {
		t.Errorf("gather with input must not fall through, got %d", n)
	}
}

func TestGatherTerminatorDuringPrompt(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Gather action="/gathered"><Say>Menu</Say></Gather></Response>`,
	})
	h.client.AutoFinishPlayback = false

	h.call(inboundLeg, routedNumber)
	h.waitFor("prompt playback", func() bool { return len(h.client.Playbacks()) == 1 })

	h.digits(inboundLeg, "12#")
	got := h.waitForWebhook("http://test/gathered")
	if got.Form.Get("Digits") != "12" {
		t.Errorf("expected Digits=12, got %q", got.Form.Get("Digits"))
	}
	if n := h.clock.PendingTimers(); n != 0 {
		t.Errorf("gather timer still pending: %d", n)
	}
}

func TestGatherTimeoutAdvances(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Gather timeout="3" action="/gathered"/><Hangup/></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitForTimers(1)

	h.clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-s.Done():
		t.Fatal("gather ended before its timeout")
	default:
	}

	h.clock.Advance(time.Second)
	h.waitDone(s)

	if len(h.web.GetCallsTo("http://test/gathered")) != 0 {
		t.Error("gather without digits must not post")
	}
	call, _ := h.e.Call(s.SID())
	if strings.Join(call.ExecutedVerbs, ",") != "Gather,Hangup" {
		t.Errorf("unexpected verbs %v", call.ExecutedVerbs)
	}
	h.waitFor("caller hangup", func() bool { return h.count("hangup "+inboundLeg) == 1 })
}

func TestGatherHangupCompletesOnce(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Gather numDigits="3" action="/gathered"/><Redirect>/next</Redirect></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitForTimers(1)

	h.digits(inboundLeg, "1")
	h.client.Emit(telephony.Event{Kind: telephony.ChannelHangupRequest, ChannelID: inboundLeg})
	h.waitDone(s)

	// The timeout firing after completion changes nothing
	h.clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if len(h.web.GetCallsTo("http://test/gathered")) != 0 || len(h.web.GetCallsTo("http://test/next")) != 0 {
		t.Errorf("hung up gather must not continue: %v", h.web.Calls())
	}
	if n := h.count("hangup " + inboundLeg); n != 0 {
		t.Errorf("caller already hung up, got %d hangups", n)
	}
}

func TestGatherPromptStopsOnFirstDigit(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response>
  <Gather numDigits="1" action="/gathered">
    <Say>Press a key</Say>
    <Pause length="1"/>
    <Play>/audio/menu.wav</Play>
  </Gather>
</Response>`,
	})
	h.client.AutoFinishPlayback = false

	h.call(inboundLeg, routedNumber)
	h.waitFor("prompt playback", func() bool { return len(h.client.Playbacks()) == 1 })

	h.digits(inboundLeg, "5")
	got := h.waitForWebhook("http://test/gathered")
	if got.Form.Get("Digits") != "5" {
		t.Errorf("expected Digits=5, got %q", got.Form.Get("Digits"))
	}
	if h.count("playback.stop") != 1 {
		t.Errorf("expected the prompt to be stopped, ops: %v", h.client.Ops())
	}
	if n := len(h.client.Playbacks()); n != 1 {
		t.Errorf("remaining prompts must be skipped, got %d playbacks", n)
	}
}

func TestSayAndPlayReuseCachedMedia(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response>
  <Say>Hello</Say>
  <Say>Hello</Say>
  <Play>/audio/beep.wav</Play>
  <Play>http://test/audio/beep.wav</Play>
</Response>`,
		"http://test/audio/beep.wav": "RIFFbeep",
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitDone(s)

	if n := h.speech.count(); n != 1 {
		t.Errorf("expected one synthesis, got %d", n)
	}
	if n := len(h.web.GetCallsTo("http://test/audio/beep.wav")); n != 1 {
		t.Errorf("expected one download, got %d", n)
	}
	if n := h.count("play " + inboundLeg); n != 4 {
		t.Errorf("expected four playbacks, got %d", n)
	}
	for _, op := range h.client.Ops() {
		if strings.HasPrefix(op, "play ") && strings.HasSuffix(op, ".wav") {
			t.Errorf("playback URI must not carry an extension: %s", op)
		}
	}
}

func TestSayLoopsAndStopsOnTermDigit(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Say loop="0" termDigits="*">Hold please</Say><Redirect>/next</Redirect></Response>`,
	})
	h.client.AutoFinishPlayback = false
	s := h.call(inboundLeg, routedNumber)

	for i := 1; i <= 3; i++ {
		h.waitFor("playback", func() bool { return len(h.client.Playbacks()) == i })
		h.client.FinishPlayback(h.client.Playbacks()[i-1])
	}
	h.waitFor("fourth playback", func() bool { return len(h.client.Playbacks()) == 4 })

	h.digits(inboundLeg, "1")
	time.Sleep(20 * time.Millisecond)
	if h.count("playback.stop") != 0 {
		t.Error("a digit outside termDigits must not stop playback")
	}
	h.digits(inboundLeg, "*")
	h.waitForWebhook("http://test/next")
	h.waitDone(s)
	if n := len(h.client.Playbacks()); n != 4 {
		t.Errorf("expected looping to stop, got %d playbacks", n)
	}
}

func TestPauseWaitsForClock(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Pause length="2"/><Redirect>/next</Redirect></Response>`,
	})
	h.call(inboundLeg, routedNumber)
	h.waitForTimers(1)

	h.clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	if len(h.web.GetCallsTo("http://test/next")) != 0 {
		t.Fatal("pause ended early")
	}
	h.clock.Advance(time.Second)
	h.waitForWebhook("http://test/next")
}

func TestPauseHangupCancelsTimer(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Pause length="30"/><Redirect>/next</Redirect></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitForTimers(1)

	h.client.Emit(telephony.Event{Kind: telephony.ChannelHangupRequest, ChannelID: inboundLeg})
	h.waitDone(s)
	if n := h.clock.PendingTimers(); n != 0 {
		t.Errorf("pause timer still pending: %d", n)
	}
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if len(h.web.GetCallsTo("http://test/next")) != 0 {
		t.Error("hung up call must not continue")
	}
}

func TestRecordPostsRecording(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Record action="/recorded" maxLength="30"/></Response>`,
	})
	h.call(inboundLeg, routedNumber)
	h.waitFor("recording", func() bool { return len(h.client.Recordings()) == 1 })
	name := h.client.Recordings()[0]

	h.client.EmitRecording(name, telephony.RecordingStarted)
	h.clock.Advance(4 * time.Second)
	h.client.EmitRecording(name, telephony.RecordingFinished)

	got := h.waitForWebhook("http://test/recorded")
	want := map[string]string{
		"RecordingUri":      "recording:" + name,
		"RecordingURL":      "http://recordings.test/" + name + ".wav",
		"RecordingDuration": "4000",
		"CallStatus":        string(model.CallRinging),
	}
	for k, v := range want {
		if got.Form.Get(k) != v {
			t.Errorf("%s: expected %q, got %q", k, v, got.Form.Get(k))
		}
	}
	h.waitFor("recording subscription released", func() bool { return h.count("recording.cancel") == 1 })
}

func TestRecordFailureAdvances(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Record action="/recorded"/><Redirect>/next</Redirect></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitFor("recording", func() bool { return len(h.client.Recordings()) == 1 })
	h.client.EmitRecording(h.client.Recordings()[0], telephony.RecordingFailed)

	h.waitForWebhook("http://test/next")
	h.waitDone(s)
	if len(h.web.GetCallsTo("http://test/recorded")) != 0 {
		t.Error("failed recording must not post")
	}
	h.waitFor("recording subscription released", func() bool { return h.count("recording.cancel") == 1 })
}

func TestRecordStartFailureEndsCall(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Record/><Redirect>/next</Redirect></Response>`,
	})
	h.client.Errors["record"] = errors.New("no disk")
	s := h.call(inboundLeg, routedNumber)
	h.waitDone(s)
	if len(h.web.GetCallsTo("http://test/next")) != 0 {
		t.Error("call must end when recording cannot start")
	}
}

func TestHoldReusesHoldingBridge(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Answer/><Hold/><Unhold/></Response>`,
	})
	first := h.call("in-1", routedNumber)
	h.waitDone(first)
	second := h.call("in-2", routedNumber)
	h.waitDone(second)

	if n := h.count("bridge.create"); n != 1 {
		t.Errorf("expected one holding bridge, got %d", n)
	}
	if h.count("moh in-1 default") != 1 || h.count("moh in-2 default") != 1 {
		t.Errorf("expected music on hold for both calls, ops: %v", h.client.Ops())
	}
	call, _ := h.e.Call(first.SID())
	if call.AnsweredAt == nil {
		t.Error("answered call must record its answer time")
	}
}

func TestRejectEndsUnansweredCall(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Reject/><Redirect>/next</Redirect></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitDone(s)

	if h.count("answer") != 0 {
		t.Error("reject must not answer")
	}
	h.waitFor("caller hangup", func() bool { return h.count("hangup "+inboundLeg) == 1 })
	call, _ := h.e.Call(s.SID())
	if call.Status != model.CallCanceled {
		t.Errorf("expected canceled, got %s", call.Status)
	}
}

func TestRedirectPostsCallData(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Redirect method="POST">next?step=2</Redirect></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	got := h.waitForWebhook("http://test/next?step=2")
	h.waitDone(s)

	first := h.web.GetCallsTo(answerURL)
	if len(first) != 1 || first[0].Method != http.MethodGet || len(first[0].Form) != 0 {
		t.Errorf("initial fetch must be a bare GET: %+v", first)
	}
	want := map[string]string{
		"CallSid":    string(s.SID()),
		"AccountSid": "aria-call",
		"From":       callerNumber,
		"To":         routedNumber,
		"CallerName": "Alice",
		"Direction":  "inbound",
		"ApiVersion": "0.0.1",
	}
	for k, v := range want {
		if got.Form.Get(k) != v {
			t.Errorf("%s: expected %q, got %q", k, v, got.Form.Get(k))
		}
	}
}

func TestUnknownVerbEndsCall(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Sms>hi</Sms><Redirect>/next</Redirect></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitDone(s)
	if len(h.web.GetCallsTo("http://test/next")) != 0 {
		t.Error("unknown verb must end the call")
	}
	h.waitFor("caller hangup", func() bool { return h.count("hangup "+inboundLeg) == 1 })
}

func TestMalformedScriptEndsCall(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Say>unterminated</Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitDone(s)
	if h.speech.count() != 0 {
		t.Error("no verb may run from a malformed script")
	}
}

func TestRoutingMissPlaysNoService(t *testing.T) {
	h := newHarness(t, nil)
	if s := h.call(inboundLeg, "+19999999999"); s != nil {
		t.Fatal("unrouted number must not start a call")
	}
	want := []string{
		"answer " + inboundLeg,
		"play " + inboundLeg + " sound:ss-noservice",
		"hangup " + inboundLeg,
	}
	if got := h.client.Ops(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("unexpected ops %v", got)
	}
}

func TestNonSIPChannelIsRefused(t *testing.T) {
	h := newHarness(t, nil)
	s := h.e.HandleStasisStart(telephony.Event{
		Kind:        telephony.StasisStart,
		ChannelID:   inboundLeg,
		ChannelName: "Local/100@default-00000001;1",
		Exten:       routedNumber,
	})
	if s != nil {
		t.Fatal("local channels must not start a call")
	}
	if h.count("hangup "+inboundLeg) != 1 {
		t.Error("refused channel was not hung up")
	}
}

func TestArgumentOverridesDialedNumber(t *testing.T) {
	h := newHarness(t, nil)
	s := h.e.HandleStasisStart(telephony.Event{
		Kind:        telephony.StasisStart,
		ChannelID:   inboundLeg,
		ChannelName: "SIP/test-00000001",
		Exten:       "100",
		Args:        []string{routedNumber},
	})
	if s == nil {
		t.Fatal("expected the argument to select the route")
	}
	h.waitDone(s)
}

func TestCallNotFound(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.e.Call("CA0000"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	rest := engine.NotFoundError("CA0000")
	if rest.Code != engine.ErrorCodeResourceNotFound || rest.Status != http.StatusNotFound {
		t.Errorf("unexpected rest error %+v", rest)
	}
}

func TestHangupThroughEngine(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Answer/><Pause length="30"/></Response>`,
	})
	s := h.call(inboundLeg, routedNumber)
	h.waitForTimers(1)

	if err := h.e.Hangup(s.SID()); err != nil {
		t.Fatal(err)
	}
	h.waitDone(s)
	h.waitFor("hangup", func() bool { return h.client.CountOps("hangup "+inboundLeg) == 1 })

	call, err := h.e.Call(s.SID())
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != model.CallCompleted {
		t.Errorf("expected completed, got %s", call.Status)
	}
	if err := h.e.Hangup(s.SID()); !errors.Is(err, engine.ErrCallTerminated) {
		t.Errorf("expected ErrCallTerminated, got %v", err)
	}
	if err := h.e.Hangup("CA0000"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsAreBroadcast(t *testing.T) {
	h := newHarness(t, map[string]string{
		answerURL: `<Response><Hangup/></Response>`,
	})
	events, cancel := h.e.SubscribeEvents()
	defer cancel()

	s := h.call(inboundLeg, routedNumber)
	h.waitDone(s)

	var types []string
	timeout := time.After(time.Second)
	for len(types) == 0 || types[len(types)-1] != "call.ended" {
		select {
		case ev := <-events:
			if ev.CallSID != s.SID() {
				t.Errorf("event for unexpected call %s", ev.CallSID)
			}
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("missing call.ended, got %v", types)
		}
	}
	if types[0] != "call.created" {
		t.Errorf("expected call.created first, got %v", types)
	}
	if len(h.e.Calls()) != 1 {
		t.Errorf("expected finished call to be listed")
	}
}
