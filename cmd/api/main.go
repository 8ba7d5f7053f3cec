package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telecom-rtb/internal/auction"
	"telecom-rtb/internal/auth"
	"telecom-rtb/internal/bidding"
	"telecom-rtb/internal/calllog"
	"telecom-rtb/internal/calls"
	"telecom-rtb/internal/campaigns"
	"telecom-rtb/internal/catalog"
	"telecom-rtb/internal/config"
	"telecom-rtb/internal/httpapi"
	"telecom-rtb/internal/metrics"
	"telecom-rtb/internal/routing"
	"telecom-rtb/internal/targets"
	"telecom-rtb/internal/telephony"
	"telecom-rtb/pkg/logger"
	"telecom-rtb/pkg/utils"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

const metricsNamespace = "call_router"

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	clk := clock.New()
	m := metrics.New(metricsNamespace)

	var (
		db  *sql.DB
		rdb *redis.Client
	)
	if cfg.UsesPostgres() {
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
	}
	if cfg.UsesRedis() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	// Stores: catalog mode keeps everything in memory; otherwise Postgres is the source.
	var (
		campaignStore campaigns.Store
		source        targets.Source
		overrideStore routing.OverrideStore
		logRepo       calllog.Repository
	)
	if cfg.UsesPostgres() {
		campaignStore = campaigns.NewPostgresStore(db)
		source = targets.NewPostgresSource(db)
		overrideStore = routing.NewPostgresOverrides(db)
		logRepo = calllog.NewPostgresRepo(db)
	} else {
		cat, err := catalog.FromFile(cfg.Catalog.File)
		if err != nil {
			log.Error("catalog load failed", "file", cfg.Catalog.File, "err", err)
			os.Exit(1)
		}
		memCampaigns := campaigns.NewMemoryStore()
		memSource := targets.NewMemorySource()
		memOverrides := routing.NewMemoryOverrides()
		if err := cat.Load(memCampaigns, memSource, memOverrides); err != nil {
			log.Error("catalog load failed", "file", cfg.Catalog.File, "err", err)
			os.Exit(1)
		}
		log.Info("catalog loaded",
			"campaigns", len(cat.Campaigns),
			"rtb_targets", len(cat.Targets),
			"buyers", len(cat.Buyers),
		)
		campaignStore, source, overrideStore = memCampaigns, memSource, memOverrides
		logRepo = calllog.NewMemoryRepo()
	}

	// Shared counters: Redis when configured so every replica sees the same caps.
	var (
		capacity    targets.CapacityStore
		cursors     routing.CursorStore
		assignments calls.AssignmentStore
	)
	if cfg.UsesRedis() {
		capacity = targets.NewRedisCapacity(rdb, calls.DefaultAssignmentTTL)
		cursors = routing.NewRedisCursors(rdb)
		assignments = calls.NewRedisAssignments(rdb, calls.DefaultAssignmentTTL)
	} else {
		capacity = targets.NewMemoryCapacity()
		cursors = routing.NewMemoryCursors()
		assignments = calls.NewMemoryAssignments()
	}

	registry := targets.NewRegistry(source, capacity)
	bidder := bidding.NewClient(
		bidding.WithClock(clk),
		bidding.WithDefaultTimeout(cfg.Auction.BidTimeout),
		bidding.WithJWTIssuer(cfg.Bidder.JWTIssuer),
	)
	coordinator := auction.NewCoordinator(registry, bidder,
		auction.WithClock(clk),
		auction.WithDeadline(cfg.Auction.Deadline),
		auction.WithRecorder(m),
	)
	callLog := calllog.NewService(logRepo, calllog.WithClock(clk), calllog.WithFailureRecorder(m))

	cache := routing.NewCampaignCache(campaignStore, clk, cfg.Auction.CampaignCacheTTL)
	m.RegisterCampaignCache(metricsNamespace, cache.Stats)

	engine := routing.NewRoutingEngine(cache, registry, coordinator, callLog, assignments)
	engine.Overrides = routing.NewAdminOverrideEngine(overrideStore, callLog, clk)
	engine.Cursors = cursors
	engine.Metrics = m
	engine.Clock = clk
	// Leave room after the auction for reservation and the final log writes.
	engine.Budget = cfg.Auction.Deadline + 500*time.Millisecond

	adapter := routing.NewEngineAdapter(engine, routing.AdapterOptions{})

	resolver := func(ctx context.Context, toNumber string) (string, string, error) {
		camp, err := cache.ByNumber(ctx, toNumber)
		if err != nil {
			return "", "", err
		}
		return camp.WorkspaceID, camp.ID, nil
	}

	deps := routeDeps{
		twilio: telephony.TwilioWebhookHandler{
			Provider: telephony.NewTwilioProvider(adapter),
			Resolver: resolver,
			Now:      clk.Now,
		},
		sip: telephony.SIPGatewayHandler{
			Provider: telephony.NewSIPProvider(adapter),
			Resolver: resolver,
			Now:      clk.Now,
		},
		api: httpapi.Handlers{
			Flows:     callLog,
			Campaigns: cache,
			Targets:   registry,
			Clock:     clk,
		},
		authMW:  auth.RequireAccessToken(verifier, clk),
		metrics: m.Handler(),
		health:  healthCheck(db, rdb),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening",
			"addr", srv.Addr,
			"env", cfg.App.Env,
			"capacity_backend", cfg.Capacity.Backend,
			"catalog", cfg.Catalog.File != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func healthCheck(db *sql.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
		}
		if rdb != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				return err
			}
		}
		return nil
	}
}
