package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/0gfoundation/0g-settlr/internal/accounting"
	"github.com/0gfoundation/0g-settlr/internal/api"
	"github.com/0gfoundation/0g-settlr/internal/auth"
	"github.com/0gfoundation/0g-settlr/internal/config"
	"github.com/0gfoundation/0g-settlr/internal/coprocessor"
	"github.com/0gfoundation/0g-settlr/internal/escrow"
	"github.com/0gfoundation/0g-settlr/internal/keeper"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/metrics"
	"github.com/0gfoundation/0g-settlr/internal/payout"
	"github.com/0gfoundation/0g-settlr/internal/registry"
	"github.com/0gfoundation/0g-settlr/internal/session"
	"github.com/0gfoundation/0g-settlr/internal/settler"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Venue / coprocessor ───────────────────────────────────────────────────
	var v session.Venue
	if cfg.Venue.Mock {
		log.Warn("using in-memory venue")
		v = venue.NewMock()
	} else {
		v = venue.NewClient(cfg.Venue.URL, cfg.Venue.APIKey, config.Addr(cfg.Venue.Validator))
	}

	var cop coprocessor.Coprocessor
	if cfg.Coprocessor.Mock {
		log.Warn("using in-memory coprocessor")
		cop = coprocessor.NewMock()
	} else {
		client, err := coprocessor.Dial(cfg.Coprocessor.Addr)
		if err != nil {
			log.Fatal("coprocessor dial failed", zap.Error(err))
		}
		defer client.Close() //nolint:errcheck
		cop = client
	}

	a := newApp(cfg, rdb, v, cop, log)

	// ── Goroutines ────────────────────────────────────────────────────────────
	if cfg.Settler.Enabled {
		go settler.Run(ctx, cfg, rdb, a.domain, a.sessions, log)
	}
	if cfg.Keeper.Enabled {
		go keeper.Run(ctx, cfg, a.payouts, log)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("privacy_backend", cfg.Privacy.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// app holds the wired components the background loops also need.
type app struct {
	router   *gin.Engine
	sessions *session.Manager
	payouts  *payout.Engine
	domain   venue.Domain
}

func newApp(cfg *config.Config, rdb *redis.Client, v session.Venue, cop coprocessor.Coprocessor, log *zap.Logger) *app {
	store := ledger.NewStore(rdb, log)
	reg := registry.New(store, config.Addr(cfg.Platform.Authority), log)
	acct := accounting.NewLedger(store, cop, log)
	sessions := session.NewManager(store, v, log,
		session.WithCommitInterval(cfg.Privacy.CommitIntervalMs),
		session.WithStrictSettle(cfg.Privacy.StrictSettle),
		session.WithValidator(config.Addr(cfg.Venue.Validator)),
	)
	payouts := payout.NewEngine(store, acct, config.Addr(cfg.Keeper.Address), log)
	domain := venue.Domain{
		ChainID:           big.NewInt(cfg.Venue.ChainID),
		VerifyingContract: config.Addr(cfg.Venue.VerifyingContract),
	}
	m := metrics.New("settlr")

	r := gin.New()
	r.Use(gin.Recovery(), m.Middleware())
	r.GET("/healthz", func(c *gin.Context) {
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	h := api.NewHandler(api.Deps{
		Store:      store,
		Registry:   reg,
		Escrow:     escrow.NewEngine(store, log),
		Sessions:   sessions,
		Accounting: acct,
		Payouts:    payouts,
		Redis:      rdb,
		Domain:     domain,
		Backend:    cfg.Privacy.Backend,
		Observer:   m,
		Log:        log,
	})
	h.Register(r.Group("/api", auth.Middleware(rdb, auth.Options{
		FutureWindow: time.Duration(cfg.Auth.MaxClockSkewSec) * time.Second,
		Limiter:      auth.NewLimiter(cfg.Auth.RatePerSec, cfg.Auth.Burst),
	})))
	h.RegisterVenue(r.Group("/venue"))

	return &app{router: r, sessions: sessions, payouts: payouts, domain: domain}
}

// newLogger builds a production JSON logger. When a log file is configured,
// output is teed to a rotating file.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}
	return buildLogger(level, out), nil
}

func buildLogger(level zapcore.Level, out io.Writer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller())
}
