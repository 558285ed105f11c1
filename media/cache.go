// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package media caches synthesized speech and downloaded audio on local disk
// so repeated Say and Play verbs reuse the same asset.
package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Asset is a locally stored audio file
type Asset struct {
	// Path is the absolute file path including extension
	Path string
}

// URI returns the playback URI for the asset. Asterisk expects sound files
// without their extension.
func (a Asset) URI() string {
	return "sound:" + strings.TrimSuffix(a.Path, filepath.Ext(a.Path))
}

// Audio is freshly produced media waiting to be written to the cache
type Audio struct {
	Data []byte
	// Ext is the file extension without the dot, such as "wav" or "wav16"
	Ext string
}

// Producer creates the audio for a cache miss
type Producer func(ctx context.Context) (*Audio, error)

// Observer is notified of cache hits and misses
type Observer interface {
	CacheLookup(kind string, hit bool)
}

// Key derives a cache key from content: spoken text or a resolved URL
func Key(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Cache maps content keys to files under one directory. It is safe for
// concurrent use and never evicts.
type Cache struct {
	dir            string
	log            *slog.Logger
	observer       Observer
	produceTimeout time.Duration

	mu     sync.RWMutex
	assets map[string]Asset
	group  singleflight.Group
}

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the cache logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.log = l
	}
}

// WithObserver reports hit and miss counts
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// WithProduceTimeout bounds a single fill. The default is 30 seconds.
func WithProduceTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.produceTimeout = d
	}
}

// NewCache creates a cache rooted at dir, creating the directory if needed
func NewCache(dir string, opts ...Option) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve media dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir %q: %w", abs, err)
	}
	c := &Cache{
		dir:            abs,
		log:            slog.Default(),
		assets:         make(map[string]Asset),
		produceTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the cache directory
func (c *Cache) Dir() string {
	return c.dir
}

// Lookup returns the asset stored under key. Files left by an earlier process
// are picked up on first lookup.
func (c *Cache) Lookup(key string) (Asset, bool) {
	c.mu.RLock()
	a, ok := c.assets[key]
	c.mu.RUnlock()
	if ok {
		return a, true
	}

	matches, _ := filepath.Glob(filepath.Join(c.dir, key+".*"))
	matches = slices.DeleteFunc(matches, func(p string) bool { return strings.HasSuffix(p, ".tmp") })
	if len(matches) == 0 {
		return Asset{}, false
	}
	a = Asset{Path: matches[0]}
	c.mu.Lock()
	c.assets[key] = a
	c.mu.Unlock()
	return a, true
}

// Store writes audio under key and indexes it
func (c *Cache) Store(key string, audio *Audio) (Asset, error) {
	ext := strings.TrimPrefix(audio.Ext, ".")
	if ext == "" {
		ext = "wav"
	}
	path := filepath.Join(c.dir, key+"."+ext)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, audio.Data, 0o644); err != nil {
		return Asset{}, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Asset{}, fmt.Errorf("rename %s: %w", tmp, err)
	}
	a := Asset{Path: path}
	c.mu.Lock()
	c.assets[key] = a
	c.mu.Unlock()
	return a, nil
}

// Obtain returns the asset for key, running produce on a miss. Concurrent
// misses for the same key share one produce call.
func (c *Cache) Obtain(ctx context.Context, kind, key string, produce Producer) (Asset, error) {
	if a, ok := c.Lookup(key); ok {
		c.observe(kind, true)
		return a, nil
	}
	c.observe(kind, false)

	v, err, _ := c.group.Do(key, func() (any, error) {
		if a, ok := c.Lookup(key); ok {
			return a, nil
		}
		// The fill is shared, so one caller hanging up must not cancel it
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.produceTimeout)
		defer cancel()
		audio, err := produce(pctx)
		if err != nil {
			return nil, err
		}
		a, err := c.Store(key, audio)
		if err != nil {
			return nil, err
		}
		c.log.Debug("cached media", "kind", kind, "key", key, "path", a.Path, "bytes", len(audio.Data))
		return a, nil
	})
	if err != nil {
		return Asset{}, fmt.Errorf("produce %s %s: %w", kind, key, err)
	}
	return v.(Asset), nil
}

func (c *Cache) observe(kind string, hit bool) {
	if c.observer != nil {
		c.observer.CacheLookup(kind, hit)
	}
}
