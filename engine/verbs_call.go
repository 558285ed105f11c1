// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/sprucehealth/twiari/model"
	"github.com/sprucehealth/twiari/telephony"
	"github.com/sprucehealth/twiari/twiml"
)

func execAnswer(s *Session, a *twiml.Action, advance func()) {
	s.Yield(func() {
		if s.hungup {
			s.Terminate()
			return
		}
		ch := s.active
		s.await(ch.Answer, func(err error) {
			if err != nil {
				s.log.Error("answer failed", "error", err)
				s.Terminate()
				return
			}
			s.markAnswered()
			advance()
		})
	})
}

func execPause(s *Session, a *twiml.Action, advance func()) {
	length := seconds(a.Param("length", ""), time.Second)
	s.log.Info("pause", "length", length)

	timer := s.After(length, func() {
		s.OnHangup(nil)
		if s.hungup {
			s.Terminate()
			return
		}
		advance()
	})
	s.OnHangup(func() {
		timer.Stop()
		s.OnHangup(nil)
		s.Terminate()
	})
}

func execRecord(s *Session, a *twiml.Action, advance func()) {
	cfg := s.engine.cfg
	maxLength := seconds(a.Param("maxLength", ""), cfg.RecordMaxLength)
	silence := seconds(a.Param("timeout", ""), cfg.RecordMaxSilence)
	opts := telephony.RecordOptions{
		Format:      "wav",
		MaxDuration: int(maxLength / time.Second),
		MaxSilence:  int(silence / time.Second),
		Beep:        a.Param("playBeep", "true") != "false",
		TerminateOn: a.Param("finishOnKey", "#"),
		IfExists:    "overwrite",
	}
	method := a.Param("method", "POST")
	action := a.Param("action", "")
	name := model.NewRecordingName()
	ch := s.active

	s.log.Info("recording", "name", name+".wav", "max_length", maxLength)
	started := s.engine.clock.Now()
	awaitResult(s, func(ctx context.Context) (telephony.Recording, error) {
		return ch.Record(ctx, name, opts)
	}, func(rec telephony.Recording, err error) {
		if err != nil {
			s.log.Error("error starting recording", "error", err)
			s.Terminate()
			return
		}
		s.OnHangup(func() {
			go func() {
				if err := rec.Stop(context.Background()); err != nil {
					s.log.Debug("stopping recording failed", "error", err)
				}
			}()
		})
		s.watch(rec, func(ev telephony.Event) bool {
			switch ev.Kind {
			case telephony.RecordingStarted:
				s.log.Info("started recording")
				return false
			case telephony.RecordingFailed:
				s.log.Warn("recording failed", "cause", ev.Cause)
				s.OnHangup(nil)
				advance()
				return true
			case telephony.RecordingFinished:
				s.OnHangup(nil)
				elapsed := s.engine.clock.Now().Sub(started)
				s.log.Info("finished recording", "duration_ms", elapsed.Milliseconds())
				s.Fetch(method, action, url.Values{
					"RecordingUri":      {"recording:" + name},
					"RecordingURL":      {cfg.ServerBaseURL + name + ".wav"},
					"RecordingDuration": {strconv.FormatInt(elapsed.Milliseconds(), 10)},
					"Digits":            {s.digits},
				})
				return true
			}
			return false
		})
	})
}

func execHold(s *Session, a *twiml.Action, advance func()) {
	ch := s.active
	awaitResult(s, s.engine.bridges.Holding, func(br telephony.Bridge, err error) {
		if err != nil {
			s.log.Error("holding bridge unavailable", "error", err)
			s.Terminate()
			return
		}
		s.log.Info("hold", "bridge", br.ID())
		s.Yield(func() {
			s.await(func(ctx context.Context) error {
				if err := br.AddChannel(ctx, ch.ID()); err != nil {
					return fmt.Errorf("add channel to holding bridge: %w", err)
				}
				if err := ch.MOH(ctx, s.engine.cfg.MOHClass); err != nil {
					return fmt.Errorf("start music on hold: %w", err)
				}
				return nil
			}, func(err error) {
				if err != nil {
					s.log.Error("hold failed", "error", err)
					s.Terminate()
					return
				}
				advance()
			})
		})
	})
}

// Unhold leaves the holding bridge untouched
func execUnhold(s *Session, a *twiml.Action, advance func()) {
	s.Yield(advance)
}

func execReject(s *Session, a *twiml.Action, advance func()) {
	s.log.Info("reject")
	s.Yield(s.Terminate)
}

func execHangup(s *Session, a *twiml.Action, advance func()) {
	s.log.Info("hangup")
	s.Yield(func() {
		if !s.hungup {
			s.hungup = true
			s.hangupLeg(s.active)
		}
		s.Terminate()
	})
}

func execRedirect(s *Session, a *twiml.Action, advance func()) {
	s.Yield(func() {
		target, err := resolveURL(s.baseURL, a.Value)
		if err != nil {
			s.log.Warn("cannot resolve redirect", "url", a.Value, "error", err)
			advance()
			return
		}
		s.log.Info("redirect", "url", target)
		s.Fetch(a.Param("method", "POST"), target, nil)
	})
}
