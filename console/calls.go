// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package console

import (
	"strconv"
	"time"

	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/sprucehealth/twiari/model"
)

// apiVersion is reported in call resources so Twilio SDK clients can decode them
const apiVersion = "2010-04-01"

// apiCall renders a call the way the Twilio REST API does
func apiCall(call model.Call, now time.Time) twilioopenapi.ApiV2010Call {
	sid := call.SID.String()
	status := string(call.Status)
	direction := string(call.Direction)
	created := call.StartAt.Format(time.RFC1123Z)
	version := apiVersion
	uri := "/2010-04-01/Accounts/" + call.AccountSID + "/Calls/" + sid + ".json"

	out := twilioopenapi.ApiV2010Call{
		Sid:         &sid,
		AccountSid:  &call.AccountSID,
		From:        &call.From,
		To:          &call.To,
		Status:      &status,
		Direction:   &direction,
		DateCreated: &created,
		DateUpdated: &created,
		ApiVersion:  &version,
		Uri:         &uri,
	}
	if call.CallerName != "" {
		out.CallerName = &call.CallerName
	}
	if call.AnsweredAt != nil {
		start := call.AnsweredAt.Format(time.RFC1123Z)
		out.StartTime = &start
	}
	if call.EndedAt != nil {
		end := call.EndedAt.Format(time.RFC1123Z)
		out.EndTime = &end
		out.DateUpdated = &end
	}
	if call.Status.IsTerminal() {
		d := strconv.Itoa(int(call.Duration(now) / time.Second))
		out.Duration = &d
	}
	return out
}
