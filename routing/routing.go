// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package routing maps dialed numbers to the script that answers them.
package routing

import (
	"context"
	"errors"
	"strings"
)

// ErrNoRoute is returned when a number has no script
var ErrNoRoute = errors.New("no route for number")

// Route is the script request made when a call arrives
type Route struct {
	Method string `json:"method" yaml:"method"`
	URL    string `json:"url" yaml:"url"`
}

// Router looks up the route for a dialed number
type Router interface {
	Lookup(ctx context.Context, number string) (Route, error)
}

// normalize fills the default method
func (r Route) normalize() Route {
	r.Method = strings.ToUpper(r.Method)
	if r.Method == "" {
		r.Method = "POST"
	}
	return r
}

// StaticRouter serves routes from a fixed map, typically loaded from config
type StaticRouter map[string]Route

func (s StaticRouter) Lookup(ctx context.Context, number string) (Route, error) {
	r, ok := s[number]
	if !ok || r.URL == "" {
		return Route{}, ErrNoRoute
	}
	return r.normalize(), nil
}
