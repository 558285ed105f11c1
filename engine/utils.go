// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("not found")

// resolveURL resolves URL relative to the current script document URL. An
// empty target resolves to the document URL itself.
func resolveURL(currentDocURL, actionURL string) (string, error) {
	if actionURL == "" {
		if currentDocURL == "" {
			return "", fmt.Errorf("no action URL and no base")
		}
		return currentDocURL, nil
	}

	target, err := url.Parse(actionURL)
	if err != nil {
		return "", fmt.Errorf("invalid action URL %q: %w", actionURL, err)
	}

	if target.IsAbs() {
		return target.String(), nil
	}

	if currentDocURL == "" {
		return "", fmt.Errorf("cannot resolve relative action URL %q without base", actionURL)
	}

	base, err := url.Parse(currentDocURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", currentDocURL, err)
	}

	return base.ResolveReference(target).String(), nil
}

// seconds parses a whole number of seconds, falling back to def
func seconds(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// atoi parses a non-negative integer, falling back to def
func atoi(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
