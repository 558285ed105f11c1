// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"strings"

	"github.com/sprucehealth/twiari/media"
	"github.com/sprucehealth/twiari/model"
	"github.com/sprucehealth/twiari/telephony"
	"github.com/sprucehealth/twiari/tts"
	"github.com/sprucehealth/twiari/twiml"
)

// anyDigit stops prompts nested in Gather on the first key press
const anyDigit = "1234567890*#"

// mediaExit ends a Say or Play: it drops the digit listener and either
// continues or ends a call that hung up meanwhile
func mediaExit(s *Session, advance func()) func() {
	return func() {
		s.OnDigit(nil)
		if s.hungup {
			s.Terminate()
			return
		}
		advance()
	}
}

func execSay(s *Session, a *twiml.Action, advance func()) {
	exit := mediaExit(s, advance)
	text := a.Value
	if text == "" {
		s.log.Warn("no text value provided for Say")
		exit()
		return
	}
	e := s.engine
	if e.cache == nil || e.speech == nil {
		s.log.Warn("speech is not configured, skipping Say")
		exit()
		return
	}

	opts := tts.Options{Voice: a.Param("voice", ""), Language: a.Param("language", "")}
	s.log.Info("say", "text", text, "provider", e.speech.Name())
	awaitResult(s, func(ctx context.Context) (media.Asset, error) {
		return e.cache.Obtain(ctx, "say", media.Key(text), func(ctx context.Context) (*media.Audio, error) {
			return e.speech.Synthesize(ctx, text, opts)
		})
	}, func(asset media.Asset, err error) {
		if err != nil {
			s.log.Error("speech synthesis failed", "error", err)
			exit()
			return
		}
		s.play(asset.URI(), a.Param("termDigits", ""), atoi(a.Param("loop", ""), 1), exit)
	})
}

func execPlay(s *Session, a *twiml.Action, advance func()) {
	exit := mediaExit(s, advance)
	if a.Value == "" {
		s.log.Warn("no URL provided for Play")
		exit()
		return
	}
	if typ := a.Param("type", ""); typ != "" {
		s.log.Debug("typed readback is not supported, playing as audio", "type", typ)
	}
	if digits := a.Param("digits", ""); digits != "" {
		s.log.Debug("digit playback is not supported", "digits", digits)
	}

	source, err := resolveURL(s.baseURL, a.Value)
	if err != nil {
		s.log.Error("cannot resolve media URL", "url", a.Value, "error", err)
		exit()
		return
	}
	e := s.engine
	if e.cache == nil {
		s.log.Warn("media cache is not configured, skipping Play")
		exit()
		return
	}

	s.log.Info("play", "url", source)
	awaitResult(s, func(ctx context.Context) (media.Asset, error) {
		return e.cache.Obtain(ctx, "play", media.Key(source), func(ctx context.Context) (*media.Audio, error) {
			return s.download(ctx, source)
		})
	}, func(asset media.Asset, err error) {
		if err != nil {
			s.log.Error("unable to download requested file", "url", source, "error", err)
			exit()
			return
		}
		s.play(asset.URI(), a.Param("termDigits", ""), atoi(a.Param("loop", ""), 1), exit)
	})
}

// play plays uri on the active channel loops times, or until stopped when
// loops is 0. A digit found in termDigits stops the current playback and
// skips any remaining loops. done runs once on the loop when playing ends.
func (s *Session) play(uri, termDigits string, loops int, done func()) {
	var (
		current telephony.Playback
		stopped bool
		played  int
	)
	stop := func(pb telephony.Playback) {
		go func() {
			if err := pb.Stop(context.Background()); err != nil {
				s.log.Debug("stopping playback failed", "playback", pb.ID(), "error", err)
			}
		}()
	}
	s.OnDigit(func(digit, _ string) {
		if termDigits == "" || !strings.Contains(termDigits, digit) {
			return
		}
		stopped = true
		if current != nil {
			stop(current)
		}
	})

	ch := s.active
	var next func()
	next = func() {
		if stopped || s.hungup || (loops > 0 && played >= loops) {
			done()
			return
		}
		played++
		awaitResult(s, func(ctx context.Context) (telephony.Playback, error) {
			return ch.Play(ctx, model.NewChannelID(), uri)
		}, func(pb telephony.Playback, err error) {
			if err != nil {
				s.log.Error("playback failed", "media", uri, "error", err)
				done()
				return
			}
			current = pb
			if stopped {
				stop(pb)
			}
			s.await(func(ctx context.Context) error {
				select {
				case <-pb.Done():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}, func(error) {
				current = nil
				next()
			})
		})
	}
	next()
}
