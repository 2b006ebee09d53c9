// Seolan character directory. Hub of the backend: terminates the login
// authority link, registers map workers and their map claims, routes
// players, persists character snapshots, and relays boards and mail.
// Optionally exposes the operator surfaces (admin API, console, audit
// log, MQTT telemetry).
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/api"
	"github.com/seolan-project/seolan/internal/audit"
	"github.com/seolan-project/seolan/internal/boot"
	"github.com/seolan-project/seolan/internal/char"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/console"
	"github.com/seolan-project/seolan/internal/db"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/scheduler"
	"github.com/seolan-project/seolan/internal/telemetry"
)

const app = "char_server"

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

	boot.PrintBanner("character directory")

	cfg, _, err := boot.Load(app, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", app, err)
		return 1
	}

	database, err := db.Open(cfg)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		return 1
	}
	defer database.Close()

	if !config.IsPortAvailable(int(cfg.CharPort)) {
		log.Warn().Uint16("port", cfg.CharPort).Msg("char port looks busy, bind may fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()
	dir := char.NewServer(cfg, database, bus)

	var store *audit.Store
	if cfg.AuditDB != "" {
		store, err = audit.Open(cfg.AuditDB)
		if err != nil {
			log.Warn().Err(err).Msg("audit log disabled")
		} else {
			defer store.Close()
			store.Attach(bus)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dir.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("char server: %w", err)
		}
	}()

	sched := scheduler.NewScheduler(dir, store)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if cfg.AdminPort != 0 {
		apiServer := api.NewServer(cfg, dir, store)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("admin api stopped")
			}
		}()
	}

	if cfg.Console != 0 {
		cons := console.NewConsole(cfg, bus, dir)
		// Not in the waitgroup: a blocked stdin read would hold
		// shutdown until the timeout.
		go cons.Run(ctx)
	}

	if cfg.MQTT.Enabled {
		pub, err := telemetry.NewPublisher(cfg, "char", bus)
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
	log.Info().Msg("character directory stopped")
	return code
}
