// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package httpstub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/twiari/httpstub"
)

func TestPOSTSendsMultipartForm(t *testing.T) {
	var got url.Values
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		got = url.Values(r.MultipartForm.Value)
		w.Write([]byte("<Response/>"))
	}))
	defer srv.Close()

	c := httpstub.NewDefaultWebhookClient(time.Second)
	form := url.Values{"CallSid": {"CA1"}, "Digits": {"1234"}}
	status, body, _, err := c.POST(context.Background(), srv.URL+"/gather", form)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || string(body) != "<Response/>" {
		t.Errorf("unexpected response %d %q", status, body)
	}
	if got.Get("CallSid") != "CA1" || got.Get("Digits") != "1234" {
		t.Errorf("unexpected form %v", got)
	}
	if len(contentType) < 19 || contentType[:19] != "multipart/form-data" {
		t.Errorf("unexpected content type %q", contentType)
	}
}

func TestGETAppendsQuery(t *testing.T) {
	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	c := httpstub.NewDefaultWebhookClient(time.Second)
	if _, _, _, err := c.GET(context.Background(), srv.URL+"/voice?x=1", url.Values{"CallSid": {"CA1"}}); err != nil {
		t.Fatal(err)
	}
	q, _ := url.ParseQuery(rawQuery)
	if q.Get("x") != "1" || q.Get("CallSid") != "CA1" {
		t.Errorf("unexpected query %q", rawQuery)
	}
}

func TestSignatureValidatesWithTwilioValidator(t *testing.T) {
	const token = "12345"
	var sig string
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(httpstub.SignatureHeader)
		r.ParseMultipartForm(1 << 20)
		form = url.Values(r.MultipartForm.Value)
	}))
	defer srv.Close()

	c := httpstub.NewDefaultWebhookClient(time.Second, httpstub.WithAuthToken(token))
	target := srv.URL + "/voice"
	if _, _, _, err := c.POST(context.Background(), target, url.Values{"CallSid": {"CA1"}, "From": {"+15551234567"}}); err != nil {
		t.Fatal(err)
	}
	if sig == "" {
		t.Fatal("expected signature header")
	}

	params := map[string]string{}
	for k := range form {
		params[k] = form.Get(k)
	}
	validator := client.NewRequestValidator(token)
	if !validator.Validate(target, params, sig) {
		t.Errorf("signature %q rejected by validator", sig)
	}
}

func TestForCallKeepsCookies(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			seen = append(seen, c.Value)
		} else {
			seen = append(seen, "")
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
	}))
	defer srv.Close()

	base := httpstub.NewDefaultWebhookClient(time.Second)
	call := base.ForCall()
	for range 2 {
		if _, _, _, err := call.GET(context.Background(), srv.URL+"/voice", nil); err != nil {
			t.Fatal(err)
		}
	}
	other := base.ForCall()
	if _, _, _, err := other.GET(context.Background(), srv.URL+"/voice", nil); err != nil {
		t.Fatal(err)
	}

	want := []string{"", "abc", ""}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("request %d: expected cookie %q, got %q", i, want[i], seen[i])
		}
	}
}

func TestMockRecordsCalls(t *testing.T) {
	mock := httpstub.NewMockWebhookClient()
	mock.POST(context.Background(), "http://test/a", url.Values{"Digits": {"1"}})
	mock.GET(context.Background(), "http://test/b", nil)
	mock.POST(context.Background(), "http://test/a", nil)

	if n := len(mock.GetCallsTo("http://test/a")); n != 2 {
		t.Errorf("expected 2 calls to /a, got %d", n)
	}
	if calls := mock.Calls(); calls[1].Method != http.MethodGet {
		t.Errorf("expected GET, got %s", calls[1].Method)
	}
	mock.Reset()
	if len(mock.Calls()) != 0 {
		t.Error("expected no calls after reset")
	}
}
