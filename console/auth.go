// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package console

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client/jwt"
)

var errNoToken = errors.New("no access token")

// ParseAccessToken decodes a Twilio access token. A non-empty secret
// verifies the signature.
func ParseAccessToken(tokenString, secret string) (*jwt.AccessToken, error) {
	accessToken := &jwt.AccessToken{}
	decoded, err := accessToken.FromJwt(tokenString, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	return decoded, nil
}

// requestToken reads the token from the Authorization header, falling back
// to the token query parameter for browser websockets
func requestToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", errors.New("authorization is not a bearer token")
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errNoToken
}

// requireToken rejects requests without an access token signed with the
// console secret. With no secret configured every request is allowed.
func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := requestToken(r)
		if err == nil {
			var token *jwt.AccessToken
			token, err = ParseAccessToken(tokenString, s.secret)
			if err == nil {
				s.log.Debug("console request authorized", "path", r.URL.Path, "identity", token.Identity)
				next.ServeHTTP(w, r)
				return
			}
		}
		s.log.Info("console request rejected", "path", r.URL.Path, "error", err)
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}
