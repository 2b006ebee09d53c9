// Package boot carries the startup plumbing shared by the three server
// binaries: argument parsing, banner, config and language loading, and
// logger setup. The binaries stay thin role-specific wiring on top.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/util"
)

// Version is the release version stamped into banners and status
// surfaces. The protocol version lives in the config.
const Version = "1.0.0"

const banner = `
                   _
 ___   ___   ___  | |   __ _  _ __
/ __| / _ \ / _ \ | |  / _' || '_ \
\__ \|  __/| (_) || | | (_| || | | |
|___/ \___| \___/ |_|  \__,_||_| |_|
`

const (
	DefaultConfPath = "conf/server.yaml"
	DefaultLangPath = "conf/lang.yaml"
)

// Options is the parsed command line of a server binary.
type Options struct {
	ConfPath string
	LangPath string
	Help     bool

	// confGiven keeps the load path strict: a missing default config
	// falls back to compiled-in values, a missing explicit one is fatal.
	confGiven bool
}

// ParseArgs parses the shared command line. The help aliases follow the
// legacy launcher, including the DOS-style /?.
func ParseArgs(args []string) (Options, error) {
	opts := Options{
		ConfPath: DefaultConfPath,
		LangPath: DefaultLangPath,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--conf":
			i++
			if i >= len(args) {
				return opts, errors.New("--conf requires a file argument")
			}
			opts.ConfPath = args[i]
			opts.confGiven = true
		case "--lang":
			i++
			if i >= len(args) {
				return opts, errors.New("--lang requires a file argument")
			}
			opts.LangPath = args[i]
		case "--help", "--h", "--?", "/?":
			opts.Help = true
		default:
			return opts, fmt.Errorf("unknown argument: %s", args[i])
		}
	}
	return opts, nil
}

// Usage returns the help text for a binary.
func Usage(app string) string {
	return fmt.Sprintf(`usage: %s [--conf FILE] [--lang FILE] [--help]

  --conf FILE   server configuration (default %s)
  --lang FILE   language file (default %s)
  --help        show this message (aliases: --h, --?, /?)
`, app, DefaultConfPath, DefaultLangPath)
}

// PrintBanner writes the startup banner for a role.
func PrintBanner(role string) {
	fmt.Printf("%s\n %s v%s\n\n", banner, role, Version)
}

// Load boots a binary: default logger, config with fallback, logger
// reconfiguration, validation warnings, language file, system info.
func Load(app string, opts Options) (*config.ServerConfig, config.Messages, error) {
	if err := util.InitLogger(util.DefaultLogConfig(app)); err != nil {
		return nil, config.Messages{}, fmt.Errorf("logger setup failed: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting " + app)

	cfg, err := config.Load(opts.ConfPath)
	if err != nil {
		if !opts.confGiven && errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", opts.ConfPath).Msg("config file not found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			return nil, config.Messages{}, err
		}
	} else {
		log.Info().Str("path", opts.ConfPath).Msg("configuration loaded")
	}

	logCfg := util.DefaultLogConfig(app)
	if cfg.LogLevel != "" {
		logCfg.Level = cfg.LogLevel
	}
	logCfg.File = cfg.LogFile
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	// Only the defaults path can still carry errors here; a loaded file
	// fails in config.Load on the first one.
	result := config.Validate(cfg)
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	for _, e := range result.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}

	msgs, err := config.LoadMessages(opts.LangPath)
	if err != nil {
		log.Warn().Err(err).Msg("language file not loaded, using built-in messages")
	}

	sysInfo := util.GetSystemInfo()
	ev := log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory)
	if ip, err := util.GetLocalIP(); err == nil {
		ev = ev.Str("local_ip", ip)
	}
	ev.Msg("system information")

	return cfg, msgs, nil
}

// WaitForShutdown blocks until a signal, a shutdown event on the bus,
// or a fatal task error. It emits ServerStopping on the way out and
// returns the process exit code.
func WaitForShutdown(ctx context.Context, bus *events.EventBus, errCh <-chan error) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopCh := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		select {
		case stopCh <- struct{}{}:
		default:
		}
		return nil
	})

	code := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-stopCh:
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal task error")
		code = 1
	}

	bus.Emit(ctx, events.Event{Type: events.EventServerStopping, Source: "main"})
	return code
}
