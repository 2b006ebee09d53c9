// Seolan map worker. Announces its hosted maps to the character
// directory, admits redirected clients against directory-pushed
// authorizations, and streams character snapshots back for
// persistence.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/boot"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/mapworker"
	"github.com/seolan-project/seolan/internal/protect"
	"github.com/seolan-project/seolan/internal/session"
	"github.com/seolan-project/seolan/internal/telemetry"
)

const app = "map_server"

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := boot.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, boot.Usage(app))
		return 2
	}
	if opts.Help {
		fmt.Print(boot.Usage(app))
		return 0
	}

	boot.PrintBanner("map worker")

	cfg, _, err := boot.Load(app, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", app, err)
		return 1
	}

	acl, err := protect.ParseAccessList(cfg.Allow, cfg.Deny, cfg.Order)
	if err != nil {
		log.Error().Err(err).Msg("access list rejected")
		return 1
	}

	if !config.IsPortAvailable(int(cfg.MapPort)) {
		log.Warn().Uint16("port", cfg.MapPort).Msg("map port looks busy, bind may fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()
	mgr := session.NewManager(protect.NewDDoSGuard(0, 0), protect.NewThrottle(), acl)
	srv := mapworker.NewServer(cfg, bus, mgr)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("map server: %w", err)
		}
	}()

	if cfg.MQTT.Enabled {
		pub, err := telemetry.NewPublisher(cfg, "map", bus)
		if err != nil {
			log.Warn().Err(err).Msg("telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := pub.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("telemetry stopped")
				}
			}()
		}
	}

	code := boot.WaitForShutdown(ctx, bus, errCh)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds")
	}

	bus.Stop()
	log.Info().Msg("map worker stopped")
	return code
}
