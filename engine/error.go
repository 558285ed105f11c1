// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"net/http"

	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/twiari/model"
)

const ErrorCodeResourceNotFound = 20404

// NotFoundError describes an unknown call the way the Twilio REST API does
func NotFoundError(sid model.SID) *client.TwilioRestError {
	return &client.TwilioRestError{
		Code:     ErrorCodeResourceNotFound,
		Message:  "Resource not found: " + sid.String(),
		MoreInfo: "https://www.twilio.com/docs/errors/20404",
		Status:   http.StatusNotFound,
	}
}
