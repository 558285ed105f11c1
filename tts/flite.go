package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/sprucehealth/twiari/media"
)

// FliteProvider renders speech with the flite binary
type FliteProvider struct {
	// Binary is the flite executable, "flite" by default
	Binary string
	// Voice is passed as -voice when set
	Voice string
}

// NewFlite creates a provider using the flite binary on PATH
func NewFlite(voice string) *FliteProvider {
	return &FliteProvider{Binary: "flite", Voice: voice}
}

// Name returns the provider identifier.
func (f *FliteProvider) Name() string {
	return "flite"
}

// Synthesize writes text to a temporary wav file through flite and returns its contents
func (f *FliteProvider) Synthesize(ctx context.Context, text string, opts Options) (*media.Audio, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	out, err := os.CreateTemp("", "flite-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	out.Close()
	defer os.Remove(out.Name())

	args := []string{"-t", text, "-o", out.Name()}
	if f.Voice != "" {
		args = append(args, "-voice", f.Voice)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Binary, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("flite: %w: %s", err, stderr.String())
	}

	data, err := os.ReadFile(out.Name())
	if err != nil {
		return nil, fmt.Errorf("read flite output: %w", err)
	}
	return &media.Audio{Data: data, Ext: "wav"}, nil
}
