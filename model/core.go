// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountSID is the fixed account identifier reported to script servers
const AccountSID = "aria-call"

// APIVersion is the fixed API version string reported to script servers
const APIVersion = "0.0.1"

// SID represents a Twilio-like Session ID with a prefix
type SID string

func (s SID) String() string {
	return string(s)
}

// CallStatus represents the current status of a call
type CallStatus string

const (
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallCanceled   CallStatus = "canceled"
)

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallCanceled, CallFailed:
		return true
	case CallRinging, CallInProgress:
		return false
	default:
		panic(fmt.Sprintf("unknown call status: %s", s))
	}
}

// Direction represents whether a call is inbound or outbound
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Call is a point-in-time view of a call session
type Call struct {
	SID           SID        `json:"sid"`
	AccountSID    string     `json:"account_sid"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	CallerName    string     `json:"caller_name,omitempty"`
	Direction     Direction  `json:"direction"`
	Status        CallStatus `json:"status"`
	State         string     `json:"state"`
	StartAt       time.Time  `json:"start_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Channel       string     `json:"channel"`
	DialedChannel string     `json:"dialed_channel,omitempty"`
	ActiveChannel string     `json:"active_channel"`
	Url           string     `json:"url"`
	Digits        string     `json:"digits,omitempty"`
	Timeline      []Event    `json:"timeline"`
	// ExecutedVerbs lists verb names in dispatch order
	ExecutedVerbs []string `json:"executed_verbs,omitempty"`
}

// Duration returns how long the call lasted, or has lasted so far when now is given
func (c *Call) Duration(now time.Time) time.Duration {
	if c.EndedAt != nil {
		return c.EndedAt.Sub(c.StartAt)
	}
	return now.Sub(c.StartAt)
}

// Event represents a timeline event for a call
type Event struct {
	Time    time.Time      `json:"time"`
	CallSID SID            `json:"call_sid,omitempty"`
	Type    string         `json:"type"` // "webhook.request", "verb.dispatch", "status.changed", etc.
	Detail  map[string]any `json:"detail"`
}

// CallRecord summarizes a finished call for downstream consumers
type CallRecord struct {
	SID        SID           `json:"sid"`
	AccountSID string        `json:"account_sid"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Status     CallStatus    `json:"status"`
	StartAt    time.Time     `json:"start_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration_ns"`
	Verbs      int           `json:"verbs"`
}

// NewCallSID generates a new Call SID (CA prefix, 34 chars total)
func NewCallSID() SID {
	return SID("CA" + hexUUID())
}

// NewRecordingName generates a unique recording file name without extension
func NewRecordingName() string {
	return uuid.NewString()
}

// NewChannelID generates a channel identifier for an originated leg
func NewChannelID() string {
	return uuid.NewString()
}

func hexUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewEvent creates a new timeline event
func NewEvent(t time.Time, eventType string, detail map[string]any) Event {
	if detail == nil {
		detail = make(map[string]any)
	}
	return Event{
		Time:   t,
		Type:   eventType,
		Detail: detail,
	}
}
