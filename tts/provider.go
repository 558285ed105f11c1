// Package tts renders text to audio files the telephony layer can play.
package tts

import (
	"context"
	"errors"

	"github.com/sprucehealth/twiari/media"
)

// ErrEmptyText is returned when there is nothing to synthesize
var ErrEmptyText = errors.New("tts: empty text")

// Options carries the Say verb attributes that influence synthesis
type Options struct {
	Voice    string
	Language string
}

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio ready to be cached and played.
	Synthesize(ctx context.Context, text string, opts Options) (*media.Audio, error)
}
