// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package config loads twiari settings from a YAML file, an optional .env
// file and TWIARI_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/sprucehealth/twiari/engine"
	"github.com/sprucehealth/twiari/routing"
)

type ARI struct {
	URL          string `yaml:"url"`
	WebsocketURL string `yaml:"websocket_url"`
	Application  string `yaml:"application"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

type Trunk struct {
	Technology string `yaml:"technology"`
	ID         string `yaml:"id"`
}

type Routing struct {
	// Backend is one of static, bolt, redis or postgres
	Backend string `yaml:"backend"`
	// Path is the bbolt file for the bolt backend
	Path string `yaml:"path"`
	// DSN is the redis address or postgres connection string
	DSN           string                   `yaml:"dsn"`
	RedisPassword string                   `yaml:"redis_password"`
	RedisDB       int                      `yaml:"redis_db"`
	Numbers       map[string]routing.Route `yaml:"numbers"`
}

type TTS struct {
	// Backend is flite or cartesia
	Backend string `yaml:"backend"`
	APIKey  string `yaml:"api_key"`
	Voice   string `yaml:"voice"`
}

type MQTT struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	ARI   ARI   `yaml:"ari"`
	Trunk Trunk `yaml:"trunk"`
	// AudioPath holds cached speech and downloaded audio
	AudioPath string `yaml:"audio_path"`
	// RecordingPath is where Asterisk writes recordings
	RecordingPath string `yaml:"recording_path"`
	// MediaPath holds static prompts served under /media/
	MediaPath string `yaml:"media_path"`

	ListenAddr     string        `yaml:"listen_addr"`
	ServerBaseURL  string        `yaml:"server_base_url"`
	RecordMaxLen   time.Duration `yaml:"record_max_length"`
	RecordSilence  time.Duration `yaml:"record_max_silence"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	AuthToken      string        `yaml:"auth_token"`
	NoServiceMedia string        `yaml:"no_service_media"`
	MOHClass       string        `yaml:"moh_class"`
	ConsoleSecret  string        `yaml:"console_secret"`
	Routing        Routing       `yaml:"routing"`
	TTS            TTS           `yaml:"tts"`
	MQTT           MQTT          `yaml:"mqtt"`
	Log            Log           `yaml:"log"`
}

// Default returns the settings used for anything left unset
func Default() Config {
	return Config{
		ARI: ARI{
			URL:          "http://localhost:8088/ari",
			WebsocketURL: "ws://localhost:8088/ari/events",
			Application:  "aria",
		},
		Trunk:          Trunk{Technology: "PJSIP", ID: "trunk"},
		AudioPath:      "/var/lib/asterisk/sounds/twiari",
		RecordingPath:  "/var/spool/asterisk/recording",
		MediaPath:      "media",
		ListenAddr:     ":8888",
		ServerBaseURL:  "http://localhost:8888/",
		RecordMaxLen:   time.Hour,
		RecordSilence:  60 * time.Second,
		FetchTimeout:   10 * time.Second,
		NoServiceMedia: "sound:ss-noservice",
		MOHClass:       "default",
		Routing:        Routing{Backend: "static"},
		TTS:            TTS{Backend: "flite"},
		Log:            Log{Level: "info", Format: "text"},
	}
}

// Load reads path (which may be empty), then .env, then the environment
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(bs, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"TWIARI_ARI_URL":           &c.ARI.URL,
		"TWIARI_ARI_WEBSOCKET_URL": &c.ARI.WebsocketURL,
		"TWIARI_ARI_APPLICATION":   &c.ARI.Application,
		"TWIARI_ARI_USERNAME":      &c.ARI.Username,
		"TWIARI_ARI_PASSWORD":      &c.ARI.Password,
		"TWIARI_TRUNK_TECHNOLOGY":  &c.Trunk.Technology,
		"TWIARI_TRUNK_ID":          &c.Trunk.ID,
		"TWIARI_AUDIO_PATH":        &c.AudioPath,
		"TWIARI_RECORDING_PATH":    &c.RecordingPath,
		"TWIARI_MEDIA_PATH":        &c.MediaPath,
		"TWIARI_LISTEN_ADDR":       &c.ListenAddr,
		"TWIARI_SERVER_BASE_URL":   &c.ServerBaseURL,
		"TWIARI_AUTH_TOKEN":        &c.AuthToken,
		"TWIARI_CONSOLE_SECRET":    &c.ConsoleSecret,
		"TWIARI_ROUTING_BACKEND":   &c.Routing.Backend,
		"TWIARI_ROUTING_PATH":      &c.Routing.Path,
		"TWIARI_ROUTING_DSN":       &c.Routing.DSN,
		"TWIARI_TTS_BACKEND":       &c.TTS.Backend,
		"TWIARI_TTS_API_KEY":       &c.TTS.APIKey,
		"TWIARI_TTS_VOICE":         &c.TTS.Voice,
		"TWIARI_MQTT_BROKER":       &c.MQTT.Broker,
		"TWIARI_LOG_LEVEL":         &c.Log.Level,
		"TWIARI_LOG_FORMAT":        &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"TWIARI_RECORD_MAX_LENGTH":  &c.RecordMaxLen,
		"TWIARI_RECORD_MAX_SILENCE": &c.RecordSilence,
		"TWIARI_FETCH_TIMEOUT":      &c.FetchTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// parseDuration accepts Go durations or a bare number of seconds
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate rejects settings the server cannot start with
func (c Config) Validate() error {
	var errs []error
	if c.ARI.URL == "" {
		errs = append(errs, errors.New("ari.url is required"))
	}
	if c.ARI.Application == "" {
		errs = append(errs, errors.New("ari.application is required"))
	}
	switch c.Routing.Backend {
	case "static":
	case "bolt":
		if c.Routing.Path == "" {
			errs = append(errs, errors.New("routing.path is required for the bolt backend"))
		}
	case "redis", "postgres":
		if c.Routing.DSN == "" {
			errs = append(errs, fmt.Errorf("routing.dsn is required for the %s backend", c.Routing.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown routing backend %q", c.Routing.Backend))
	}
	switch c.TTS.Backend {
	case "flite":
	case "cartesia":
		if c.TTS.APIKey == "" {
			errs = append(errs, errors.New("tts.api_key is required for cartesia"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tts backend %q", c.TTS.Backend))
	}
	if !strings.HasSuffix(c.ServerBaseURL, "/") {
		errs = append(errs, errors.New("server_base_url must end with /"))
	}
	return errors.Join(errs...)
}

// EngineConfig returns the settings the call engine needs
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		App:              c.ARI.Application,
		TrunkTechnology:  c.Trunk.Technology,
		TrunkID:          c.Trunk.ID,
		ServerBaseURL:    c.ServerBaseURL,
		RecordMaxLength:  c.RecordMaxLen,
		RecordMaxSilence: c.RecordSilence,
		FetchTimeout:     c.FetchTimeout,
		NoServiceMedia:   c.NoServiceMedia,
		MOHClass:         c.MOHClass,
	}
}
