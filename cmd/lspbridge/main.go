package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/lspbridge/internal/channel"
	"github.com/gaspardpetit/lspbridge/internal/config"
	"github.com/gaspardpetit/lspbridge/internal/logx"
	"github.com/gaspardpetit/lspbridge/internal/metrics"
	"github.com/gaspardpetit/lspbridge/internal/sandbox"
	"github.com/gaspardpetit/lspbridge/internal/server"
	"github.com/gaspardpetit/lspbridge/internal/serverstate"
	"github.com/gaspardpetit/lspbridge/internal/workspace"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "lspbridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("lspbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	// cfg now reflects defaults <- file <- env <- args
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	logx.Log.Debug().Interface("config", cfg.Redacted()).Msg("configuration resolved")

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.Redacted().RedisAddr).Msg("using redis state store")
	}

	sources, err := workspace.LoadSources(cfg.WorkspaceRoot, cfg.BaselineDir, cfg.WorkspaceDir, cfg.VolatileDir)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load workspace sources")
	}

	var rt sandbox.Runtime
	switch cfg.Runtime {
	case config.RuntimeEcho:
		rt = sandbox.EchoRuntime{}
	default:
		rt = &sandbox.ExecRuntime{
			Command: cfg.Command,
			Args:    cfg.Args,
			Root:    cfg.SandboxRoot,
			WorkDir: cfg.WorkspaceRoot,
		}
	}

	srv := server.New(cfg, server.Deps{
		Runtime:  rt,
		Channels: channel.NewRegistry(cfg.ChannelTTL),
		Sources:  sources,
		Gatherer: preg,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		addr, err := metrics.StartServer(ctx, cfg.MetricsAddr, preg)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server")
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics server starting")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Int("sessions", srv.LiveSessions()).Msg("drain requested")
			waitCtx := ctx
			var stop context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(stop context.CancelFunc, waitCtx context.Context) {
				if stop != nil {
					defer stop()
				}
				if srv.WaitIdle(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int("sessions", srv.LiveSessions()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(stop, waitCtx)
		}
	}()
	go func() {
		<-ctx.Done()
		// Hijacked websockets are not tracked by Shutdown.
		srv.CloseSessions()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()

	serverstate.SetState("ready")
	if cfg.ClientKey != "" {
		logx.Log.Info().Msg("Client key required")
	}
	logx.Log.Info().Int("port", cfg.Port).Str("runtime", cfg.Runtime).Str("process", cfg.ProcessName).Msg("server starting")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-ctx.Done()
}
