package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Channel   Channel     `cfg:"channel"`
	Debug     Debug       `cfg:"debug"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Channel configures the single Connection Transport and the anchor shape
// the Channel Coordinator reconstructs state against.
type Channel struct {
	// Endpoint is the websocket URL template. Placeholders like {id} are
	// substituted from EndpointArgs before dialing.
	Endpoint     string            `cfg:"endpoint"`
	EndpointArgs map[string]string `cfg:"endpoint_args"`

	// Token authenticates the handshake frame sent immediately after connect.
	Token string `cfg:"token" log:"-"`

	// AnchorType is the type_tag of the root instance(s) this channel
	// reconstructs state for.
	AnchorType string `cfg:"anchor_type"`

	// Many selects multi-anchor mode (an ordered sequence of roots) over
	// single-anchor mode (one root instance).
	Many bool `cfg:"many"`

	// Model describes, for each type_tag, which of its fields are
	// relations and what type_tag they point at. Fields absent from a
	// type's entry are treated as scalars.
	Model map[string]map[string]string `cfg:"model"`

	Backoff Backoff `cfg:"backoff"`
}

// Backoff configures the transport's capped exponential reconnect delay.
type Backoff struct {
	Initial time.Duration `cfg:"initial" default:"50ms"`
	Max     time.Duration `cfg:"max" default:"5s"`
}

// Debug configures the read-only introspection HTTP server.
type Debug struct {
	Host string `cfg:"host"`
	Port string `cfg:"port" default:"8090"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("RXSYNC_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
