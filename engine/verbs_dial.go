// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"context"
	"fmt"

	"github.com/sprucehealth/twiari/model"
	"github.com/sprucehealth/twiari/telephony"
	"github.com/sprucehealth/twiari/twiml"
)

// dialTarget returns the number in the Dial text or its first Number child
func dialTarget(script *twiml.Script, a *twiml.Action) string {
	if a.Value != "" {
		return a.Value
	}
	for _, h := range script.Chain(a.Children) {
		if child := script.Action(h); child.Name == twiml.Number && child.Value != "" {
			return child.Value
		}
	}
	return ""
}

func execDial(s *Session, a *twiml.Action, advance func()) {
	dest := dialTarget(s.script, a)
	if dest == "" {
		s.log.Warn("dial has no destination")
		advance()
		return
	}
	cfg := s.engine.cfg
	endpoint := fmt.Sprintf("%s/%s@%s", cfg.TrunkTechnology, dest, cfg.TrunkID)
	bridged := a.Param("bridge", "true") != "false"
	method := a.Param("method", "POST")
	action := a.Param("action", "")

	id := model.NewChannelID()
	dialed := s.engine.client.Channel(id)
	s.dialed = dialed
	s.linked = false
	s.update(func(c *model.Call) {
		c.DialedChannel = id
	})

	// Subscribe before originating so a fast answer is not missed
	sub := dialed.Subscribe(telephony.StasisStart, telephony.ChannelDestroyed)
	stopWatch := s.watch(sub, func(ev telephony.Event) bool {
		switch ev.Kind {
		case telephony.StasisStart:
			s.log.Info("dialed channel entered the application", "dialed", id)
			s.addEvent("dial.answered", map[string]any{"channel": id, "bridge": bridged})
			if bridged {
				s.join(s.orig, dialed)
			} else {
				s.takeOver(dialed, method, action)
			}
			return true
		case telephony.ChannelDestroyed:
			s.log.Info("dialed channel ended before answering", "dialed", id, "cause", ev.Cause)
			advance()
			return true
		}
		return false
	})

	req := telephony.OriginateRequest{
		ChannelID: id,
		Endpoint:  endpoint,
		App:       cfg.App,
		AppArgs:   dialedArg,
		CallerID:  a.Param("callerId", ""),
	}
	s.log.Info("placing outbound call", "endpoint", endpoint)
	s.await(func(ctx context.Context) error {
		_, err := s.engine.client.Originate(ctx, req)
		return err
	}, func(err error) {
		if err == nil {
			return
		}
		s.log.Error("error originating outbound call", "endpoint", endpoint, "error", err)
		stopWatch()
		s.dialed = nil
		advance()
	})
}

func execBridge(s *Session, a *twiml.Action, advance func()) {
	if s.orig == nil || s.dialed == nil {
		s.log.Warn("bridge needs a dialed channel")
		advance()
		return
	}
	s.log.Info("bridge", "dialed", s.dialed.ID())
	s.join(s.orig, s.dialed)
}

// join bridges the two legs and leaves both to the bridge coordinator. The
// script does not continue; the call ends when the legs hang up.
func (s *Session) join(orig, dialed telephony.Channel) {
	s.linked = true
	awaitResult(s, func(ctx context.Context) (telephony.Bridge, error) {
		return s.engine.bridges.Join(ctx, orig, dialed)
	}, func(br telephony.Bridge, err error) {
		if err != nil {
			s.log.Error("bridging failed", "dialed", dialed.ID(), "error", err)
			// Without a bridge nothing else will hang up the dialed leg
			if br == nil {
				s.linked = false
			}
			s.Terminate()
			return
		}
		s.markAnswered()
		s.addEvent("bridge.joined", map[string]any{"bridge": br.ID(), "dialed": dialed.ID()})
	})
}

// takeOver answers the dialed leg, makes it the active channel and continues
// the script from action
func (s *Session) takeOver(dialed telephony.Channel, method, action string) {
	s.await(dialed.Answer, func(err error) {
		if err != nil {
			s.log.Error("answering dialed channel failed", "dialed", dialed.ID(), "error", err)
			s.Terminate()
			return
		}
		s.log.Info("dialed channel answered, continuing on it", "dialed", dialed.ID())
		s.promote(dialed)
		s.Fetch(method, action, nil)
	})
}
