// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Command twiari answers Asterisk calls with TwiML scripts fetched from
// origin web applications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sprucehealth/twiari/ari"
	"github.com/sprucehealth/twiari/cdr"
	"github.com/sprucehealth/twiari/config"
	"github.com/sprucehealth/twiari/console"
	"github.com/sprucehealth/twiari/engine"
	"github.com/sprucehealth/twiari/httpstub"
	"github.com/sprucehealth/twiari/media"
	"github.com/sprucehealth/twiari/metrics"
	"github.com/sprucehealth/twiari/routing"
	"github.com/sprucehealth/twiari/tts"
)

func main() {
	configPath := flag.String("config", os.Getenv("TWIARI_CONFIG"), "path to the YAML config file")
	listen := flag.String("listen", "", "override the static server address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "twiari: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("twiari stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("twiari")

	router, closeRouter, err := openRouter(ctx, cfg.Routing, log)
	if err != nil {
		return err
	}
	defer closeRouter()

	cache, err := media.NewCache(cfg.AudioPath, media.WithLogger(log), media.WithObserver(m))
	if err != nil {
		return err
	}

	var speech tts.Provider
	switch cfg.TTS.Backend {
	case "cartesia":
		speech = tts.NewCartesia(cfg.TTS.APIKey, cfg.TTS.Voice)
	default:
		speech = tts.NewFlite(cfg.TTS.Voice)
	}

	var records engine.CallRecordPublisher = cdr.LogPublisher{Log: log}
	if cfg.MQTT.Broker != "" {
		pub, err := cdr.Connect(cdr.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		records = pub
	}

	client, err := ari.Connect(ari.Options{
		Application:  cfg.ARI.Application,
		URL:          cfg.ARI.URL,
		WebsocketURL: cfg.ARI.WebsocketURL,
		Username:     cfg.ARI.Username,
		Password:     cfg.ARI.Password,
	}, log)
	if err != nil {
		return err
	}
	defer client.Close()

	var webhookOpts []httpstub.ClientOption
	if cfg.AuthToken != "" {
		webhookOpts = append(webhookOpts, httpstub.WithAuthToken(cfg.AuthToken))
	}

	e := engine.NewEngine(client, router,
		engine.WithConfig(cfg.EngineConfig()),
		engine.WithLogger(log),
		engine.WithWebhookClient(httpstub.NewDefaultWebhookClient(cfg.FetchTimeout, webhookOpts...)),
		engine.WithMediaCache(cache),
		engine.WithSpeech(speech),
		engine.WithMetrics(m),
		engine.WithCallRecords(records),
	)
	defer e.Close()

	srv, err := console.NewServer(e, cfg.ListenAddr,
		console.WithLogger(log),
		console.WithSecret(cfg.ConsoleSecret),
		console.WithRecordings(cfg.RecordingPath),
		console.WithMediaCache(cache.Dir()),
		console.WithMedia(cfg.MediaPath),
		console.WithMetrics(m.Handler()),
	)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		errc <- srv.Start()
	}()
	go func() {
		errc <- e.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Stop(shutdown); serr != nil {
		log.Warn("console shutdown failed", "error", serr)
	}
	return err
}

// seeder is implemented by persistent routers so config numbers can be loaded
type seeder interface {
	Put(ctx context.Context, number string, r routing.Route) error
}

func openRouter(ctx context.Context, cfg config.Routing, log *slog.Logger) (routing.Router, func(), error) {
	var (
		router routing.Router
		closer = func() {}
	)
	switch cfg.Backend {
	case "bolt":
		b, err := routing.OpenBolt(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		router, closer = b, func() { _ = b.Close() }
	case "redis":
		r := routing.NewRedisRouter(cfg.DSN, cfg.RedisPassword, cfg.RedisDB)
		router, closer = r, func() { _ = r.Close() }
	case "postgres":
		p, err := routing.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		router, closer = p, p.Close
	default:
		log.Info("using static routes", "numbers", len(cfg.Numbers))
		return routing.StaticRouter(cfg.Numbers), closer, nil
	}

	if s, ok := router.(seeder); ok {
		for number, r := range cfg.Numbers {
			if err := s.Put(ctx, number, r); err != nil {
				closer()
				return nil, nil, fmt.Errorf("seed route %s: %w", number, err)
			}
		}
	}
	log.Info("routing backend ready", "backend", cfg.Backend, "seeded", len(cfg.Numbers))
	return router, closer, nil
}
