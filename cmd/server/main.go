package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Whisper/internal/adapters/auth"
	"github.com/dkeye/Whisper/internal/adapters/bus"
	router "github.com/dkeye/Whisper/internal/adapters/http"
	"github.com/dkeye/Whisper/internal/adapters/media"
	"github.com/dkeye/Whisper/internal/adapters/presence"
	"github.com/dkeye/Whisper/internal/adapters/rtc"
	wsignal "github.com/dkeye/Whisper/internal/adapters/signal"
	"github.com/dkeye/Whisper/internal/adapters/store"
	"github.com/dkeye/Whisper/internal/app"
	"github.com/dkeye/Whisper/internal/app/calls"
	"github.com/dkeye/Whisper/internal/app/orch"
	"github.com/dkeye/Whisper/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("whisper gateway stopped")
	}
}

// newLogger writes JSON lines in release mode and human-readable console output otherwise.
func newLogger(mode string, w io.Writer) zerolog.Logger {
	if mode == gin.ReleaseMode {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	mode := gin.DebugMode
	if cfg != nil {
		mode = cfg.Mode
	}
	log.Logger = newLogger(mode, os.Stderr)
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
			level = l
		}
	}
	zerolog.SetGlobalLevel(level)
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console output until the config says otherwise.
	setupLogger(nil)
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg)
	if err := config.Watch(func(next *config.Config) {
		if l, err := zerolog.ParseLevel(next.LogLevel); err == nil && next.LogLevel != "" {
			zerolog.SetGlobalLevel(l)
			log.Info().Str("module", "main").Str("level", l.String()).Msg("log level reloaded")
		}
	}); err != nil {
		log.Warn().Err(err).Str("module", "main").Msg("config watch disabled")
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	identity, err := auth.NewJWT(cfg.JWT.Secret, cfg.JWT.Alg)
	if err != nil {
		return err
	}

	reg := app.NewRegistry()
	fanout := app.NewFanout(reg)
	pres := app.NewPresence(reg, fanout, cfg.PresenceGrace)
	pres.UseLastSeen(st)

	if cfg.Redis.Addr != "" {
		mirror, err := presence.NewRedisMirror(ctx, cfg.Redis, cfg.NodeID)
		if err != nil {
			return err
		}
		defer func() { _ = mirror.Close() }()
		pres.UseMirror(mirror)
		log.Info().Str("module", "main").Str("addr", cfg.Redis.Addr).Msg("presence mirror enabled")
	}

	if cfg.NATS.URL != "" {
		nb, err := bus.Connect(cfg.NATS, "whisper-"+cfg.NodeID)
		if err != nil {
			return err
		}
		defer nb.Close()
		fanout.UseBus(nb, cfg.NodeID)
		if err := nb.Subscribe(fanout.Deliver); err != nil {
			return err
		}
		log.Info().Str("module", "main").Str("subject", cfg.NATS.Subject).Msg("fanout bus enabled")
	}

	callMgr := calls.NewManager(calls.Config{
		RingTimeout: cfg.RingTimeout,
		QuorumGrace: cfg.QuorumGrace,
		ICEServers:  rtc.ICEServers(cfg.ICEServers),
	}, fanout, st, rtc.Validator{})

	o := orch.New(reg, fanout, pres, callMgr, app.SimplePolicy{}, st, media.NewURLResolver(cfg.Media.AllowedHosts))
	defer o.Close()

	limiter := wsignal.NewRateLimiter(cfg.RateLimit.Count, cfg.RateLimit.Interval)
	ws := wsignal.NewSignalWSController(o, identity, limiter, wsignal.OptionsFrom(cfg))
	r := router.SetupRouter(cfg, o, identity, ws)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "main").Str("addr", addr).Str("node", cfg.NodeID).Msg("Whisper gateway started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "main").Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("Server forced to shutdown")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Str("module", "main").Msg("Server exited gracefully")
	return nil
}
