// Package main is the entry point for the piclaw-net bring-up controller.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piclawhq/piclaw-net/internal/api"
	"github.com/piclawhq/piclaw-net/internal/config"
	"github.com/piclawhq/piclaw-net/internal/executil"
	"github.com/piclawhq/piclaw-net/internal/wifi"
)

// Exit codes for the connect path. Scripts branch on these to decide
// between retrying, asking for new credentials, and giving up.
const (
	exitOK                 = 0
	exitFailure            = 1
	exitTimeout            = 2
	exitAssociationRefused = 3
	exitConfigWriteFailed  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Get()
	setupLogging(cfg.LogLevel)

	ctrl, err := buildController(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	autoCmd := &ffcli.Command{
		Name:      "auto",
		ShortHelp: "Boot flow: stay connected if possible, otherwise start the setup portal",
		Exec: func(ctx context.Context, args []string) error {
			state, err := ctrl.Auto(ctx)
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	}

	connectFlagSet := flag.NewFlagSet("connect", flag.ExitOnError)
	connectCountry := connectFlagSet.String("country", "", "regulatory domain, e.g. US (default: PICLAW_DEFAULT_COUNTRY)")
	connectTimeout := connectFlagSet.Duration("timeout", 0, "how long to wait for connectivity (default: PICLAW_JOIN_TIMEOUT)")
	connectOpen := connectFlagSet.Bool("open", false, "join an open network (no passphrase)")
	connectCmd := &ffcli.Command{
		Name:       "connect",
		ShortUsage: "piclaw-net connect [flags] <ssid> [passphrase] [country]",
		ShortHelp:  "Join a network and wait for connectivity",
		FlagSet:    connectFlagSet,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("connect requires an ssid")
			}
			var passphrase string
			if len(args) > 1 && !*connectOpen {
				passphrase = args[1]
			}
			country := *connectCountry
			if country == "" && len(args) > 2 {
				country = args[2]
			}
			addr, err := ctrl.Connect(ctx, args[0], passphrase, country, *connectTimeout)
			if err != nil {
				return err
			}
			fmt.Println(addr)
			return nil
		},
	}

	scanCmd := &ffcli.Command{
		Name:      "scan",
		ShortHelp: "List nearby networks as JSON, strongest first",
		Exec: func(ctx context.Context, args []string) error {
			networks, err := ctrl.Scan(ctx)
			if err != nil {
				return err
			}
			if networks == nil {
				networks = []wifi.Network{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(networks)
		},
	}

	stopCmd := &ffcli.Command{
		Name:      "stop",
		ShortHelp: "Tear down the setup portal, leaving a live connection alone",
		Exec: func(ctx context.Context, args []string) error {
			return ctrl.Stop(ctx)
		},
	}

	serveFlagSet := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAuto := serveFlagSet.Bool("auto", true, "run the boot flow on startup")
	serveCmd := &ffcli.Command{
		Name:      "serve",
		ShortHelp: "Run the resident controller with the local control API",
		FlagSet:   serveFlagSet,
		Exec: func(ctx context.Context, args []string) error {
			return serve(ctx, cfg, ctrl, *serveAuto)
		},
	}

	versionCmd := &ffcli.Command{
		Name:      "version",
		ShortHelp: "Print the version",
		Exec: func(ctx context.Context, args []string) error {
			fmt.Println(cfg.Version)
			return nil
		},
	}

	root := &ffcli.Command{
		ShortUsage:  "piclaw-net <subcommand> [flags]",
		FlagSet:     flag.NewFlagSet("piclaw-net", flag.ExitOnError),
		Subcommands: []*ffcli.Command{autoCmd, connectCmd, scanCmd, stopCmd, serveCmd, versionCmd},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}

	err = root.ParseAndRun(ctx, os.Args[1:])
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		fmt.Fprintln(os.Stderr, ffcli.DefaultUsageFunc(root))
		return exitFailure
	default:
		log.Error().Err(err).Msg("command failed")
		return exitCode(err)
	}
}

// buildController wires the lifecycle controller and its collaborators.
func buildController(cfg *config.Settings) (*wifi.Controller, error) {
	sys := &executil.System{}

	portal, err := wifi.NewAPManager(cfg, sys, sys)
	if err != nil {
		return nil, err
	}
	probe, err := wifi.NewProbe(cfg, sys)
	if err != nil {
		return nil, err
	}
	scanner := wifi.NewScanner(cfg, sys)
	marker := wifi.NewMarker(cfg.MarkerPath)
	connector := wifi.NewConnector(cfg, sys, probe, portal, marker)

	return wifi.NewController(cfg, sys, probe, scanner, portal, connector, marker), nil
}

// serve runs the resident daemon: the control API plus, optionally, the
// boot flow. It returns once the context is cancelled and everything has
// been drained and torn down.
func serve(ctx context.Context, cfg *config.Settings, ctrl *wifi.Controller, runAuto bool) error {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	// Connect requests legitimately block for the whole join window.
	r.Use(middleware.Timeout(3 * time.Minute))

	api.RegisterRoutes(r, cfg, ctrl)

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr()).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if runAuto {
		if state, err := ctrl.Auto(ctx); err != nil {
			// Keep serving: the API still reports the failure and accepts
			// a retry via POST /api/v1/auto.
			log.Error().Err(err).Str("state", state.String()).Msg("Automatic bring-up failed")
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// The hotspot daemons are children of this process; they must not
	// outlive it.
	teardownCtx, cancelTeardown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTeardown()
	if err := ctrl.Stop(teardownCtx); err != nil {
		log.Warn().Err(err).Msg("Teardown finished with errors")
	}

	log.Info().Msg("Server stopped")
	return nil
}

// setupLogging configures zerolog based on log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// exitCode maps a command error to the documented exit codes.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if kind, ok := wifi.JoinKindOf(err); ok {
		switch kind {
		case wifi.JoinTimeout:
			return exitTimeout
		case wifi.JoinAssociationRefused:
			return exitAssociationRefused
		case wifi.JoinConfigWriteFailed:
			return exitConfigWriteFailed
		}
	}
	return exitFailure
}

// requestLogger is middleware that logs HTTP requests using zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}
