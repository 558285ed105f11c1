// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/sprucehealth/twiari/media"
	"github.com/sprucehealth/twiari/twiml"
)

// Fetch requests a new script and replaces the current one with it. POST
// requests carry the call data merged with form; GET requests send form as
// the query string. The call ends when the request fails, the script is
// empty or the caller hung up while waiting. Loop-only.
func (s *Session) Fetch(method, target string, form url.Values) {
	if s.state == Terminated {
		return
	}
	resolved, err := resolveURL(s.baseURL, target)
	if err != nil {
		s.log.Error("cannot resolve script URL", "url", target, "error", err)
		s.Terminate()
		return
	}
	method = strings.ToUpper(method)
	if method != "GET" {
		method = "POST"
		merged := s.callData()
		for k, v := range form {
			merged[k] = v
		}
		form = merged
	}

	s.setState(AwaitingContinuation)
	s.gen++
	s.onDigit = nil
	s.onHangup = nil
	s.addEvent("webhook.request", map[string]any{"method": method, "url": resolved, "form": form})

	started := s.engine.clock.Now()
	awaitResult(s, func(ctx context.Context) (*twiml.Script, error) {
		return s.fetchScript(ctx, method, resolved, form)
	}, func(script *twiml.Script, err error) {
		s.engine.metrics.ScriptFetched(method, s.engine.clock.Now().Sub(started), err)
		if s.state == Terminated {
			return
		}
		if err != nil {
			s.log.Error("script fetch failed", "method", method, "url", resolved, "error", err)
			s.addEvent("webhook.error", map[string]any{"url": resolved, "error": err.Error()})
			s.Terminate()
			return
		}
		if s.hungup {
			s.log.Info("caller hung up during fetch", "url", resolved)
			s.Terminate()
			return
		}
		if script.Head() == twiml.NoAction {
			s.log.Info("empty script", "url", resolved)
			s.Terminate()
			return
		}
		s.script = script
		s.cursor = script.Head()
		s.dispatch(script.Action(s.cursor))
	})
}

func (s *Session) fetchScript(ctx context.Context, method, target string, form url.Values) (*twiml.Script, error) {
	ctx, cancel := context.WithTimeout(ctx, s.engine.cfg.FetchTimeout)
	defer cancel()

	var (
		status int
		body   []byte
		err    error
	)
	if method == "GET" {
		status, body, _, err = s.webhook.GET(ctx, target, form)
	} else {
		status, body, _, err = s.webhook.POST(ctx, target, form)
	}
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	s.addEvent("webhook.response", map[string]any{"url": target, "status": status, "body": string(body)})
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("webhook %s %s returned %d", method, target, status)
	}

	script, err := twiml.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return script, nil
}

// download fetches remote audio for the media cache
func (s *Session) download(ctx context.Context, target string) (*media.Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, s.engine.cfg.FetchTimeout)
	defer cancel()

	status, body, _, err := s.webhook.GET(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", target, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("download %s returned %d", target, status)
	}
	return &media.Audio{Data: body, Ext: audioExt(target)}, nil
}

// audioExt takes the extension from the URL path, defaulting to wav
func audioExt(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "wav"
	}
	if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" {
		return strings.ToLower(ext)
	}
	return "wav"
}
