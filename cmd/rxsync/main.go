package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/rxsync/internal/config"
	"github.com/rakunlabs/rxsync/internal/coordinator"
	"github.com/rakunlabs/rxsync/internal/debugserver"
	"github.com/rakunlabs/rxsync/internal/graph"
)

var (
	name    = "rxsync"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	coord := coordinator.New(coordinator.Config{
		ModelMap:       graph.ModelMap(cfg.Channel.Model),
		AnchorType:     cfg.Channel.AnchorType,
		Many:           cfg.Channel.Many,
		Endpoint:       cfg.Channel.Endpoint,
		EndpointArgs:   cfg.Channel.EndpointArgs,
		Token:          cfg.Channel.Token,
		InitialBackoff: cfg.Channel.Backoff.Initial,
		MaxBackoff:     cfg.Channel.Backoff.Max,
	}, slog.Default())
	defer coord.Close()

	debug := debugserver.New(config.Service, coord)
	defer debug.Close()

	slog.Info("starting debug server", "host", cfg.Debug.Host, "port", cfg.Debug.Port)
	return debug.Start(ctx, cfg.Debug.Host, cfg.Debug.Port)
}
