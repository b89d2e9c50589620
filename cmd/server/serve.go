package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crab.casa/debate-arena/internal/config"
	"crab.casa/debate-arena/internal/contest"
	"crab.casa/debate-arena/internal/logging"
	"crab.casa/debate-arena/internal/matchmaker"
	"crab.casa/debate-arena/internal/ownership"
	"crab.casa/debate-arena/internal/preset"
	"crab.casa/debate-arena/internal/rating"
	"crab.casa/debate-arena/internal/repo"
	"crab.casa/debate-arena/internal/stakes"
	"crab.casa/debate-arena/internal/transport"
	"crab.casa/debate-arena/internal/wsserver"

	busImpl "crab.casa/debate-arena/internal/bus"
	kvImpl "crab.casa/debate-arena/internal/kv"
)

// lateRecoverer breaks the construction cycle between the ownership
// manager (which needs a Recoverer) and the orchestrator (which needs
// the manager's Claim/Release): the manager is built first against this
// adapter, and orch is plugged in once it exists.
type lateRecoverer struct {
	orch *contest.Orchestrator
}

func (r *lateRecoverer) ListStuckContests(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return r.orch.ListStuckContests(ctx, olderThan)
}
func (r *lateRecoverer) ListActiveContests(ctx context.Context) ([]string, error) {
	return r.orch.ListActiveContests(ctx)
}
func (r *lateRecoverer) Recover(ctx context.Context, contestID string) (bool, error) {
	return r.orch.Recover(ctx, contestID)
}

// runServe is the construct-then-run entry point of one instance:
// every subsystem is built here as an explicit long-lived value and
// injected into the next, then stopped and released on shutdown.
func runServe(cmd *ServeCmd) error {
	logger := logging.New(cmd.LogLevel)

	overrides := map[string]interface{}{}
	if cmd.InstanceID != "" {
		overrides["instance_id"] = cmd.InstanceID
	}

	cfg, err := config.Load(cmd.ConfigFile, overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = logger.WithField("instance_id", cfg.InstanceID)

	presets, err := preset.Load(cmd.PresetFile, cfg.DefaultPresetID)
	if err != nil {
		return fmt.Errorf("load preset catalog: %w", err)
	}

	db, err := repo.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	kvStore, err := kvImpl.NewRedisStore(cfg.KVEndpoint)
	if err != nil {
		return fmt.Errorf("connect kv store: %w", err)
	}
	defer kvStore.Close()

	busClient, err := busImpl.NewRedisBus(cfg.BusEndpoint)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()

	repos := repo.Repositories{
		Contests:     &repo.PostgresContestRepo{DB: db},
		Messages:     &repo.PostgresMessageRepo{DB: db},
		Votes:        &repo.PostgresVoteRepo{DB: db},
		RoundResults: &repo.PostgresRoundResultRepo{DB: db},
		Bots:         &repo.PostgresBotRepo{DB: db},
		Topics:       &repo.PostgresTopicRepo{DB: db},
		Presets:      presets,
	}

	ratingCfg := rating.Config{
		KFactor:          cfg.RatingKFactor,
		ExpandBase:       cfg.RatingExpandBase,
		ExpandStep:       cfg.RatingExpandStep,
		ExpandCap:        cfg.RatingExpandCap,
		ExpandStepWindow: cfg.RatingExpandStepWindow,
	}

	resolveToken := func(ctx context.Context, token string) (string, string, error) {
		bot, err := repos.Bots.ResolveToken(ctx, token)
		if err != nil {
			return "", "", err
		}
		return bot.ID, bot.Name, nil
	}

	// mmBox defers the onDetach closure's view of the matchmaker until
	// after it is constructed, breaking the hub<->matchmaker cycle
	// (the hub needs onDetach at construction; the matchmaker needs the
	// hub's liveness check at its own construction).
	var mmBox *matchmaker.Matchmaker
	onDetach := func(botID string) {
		if mmBox != nil {
			mmBox.Leave(botID)
		}
	}

	hub := transport.New(cfg.InstanceID, kvStore, busClient, logger.WithField("component", "transport"),
		resolveToken, onDetach)

	settler := stakes.New(repos.Contests)

	lateRec := &lateRecoverer{}
	ownMgr := ownership.New(cfg.InstanceID, kvStore, logger.WithField("component", "ownership"), lateRec)

	orch := contest.New(cfg.InstanceID, repos, hub, settler, ratingCfg,
		logger.WithField("component", "orchestrator"), kvStore,
		ownMgr.Claim, ownMgr.Release)
	lateRec.orch = orch

	srv := wsserver.New(hub, orch, repos.Bots, presets, logger.WithField("component", "wsserver"), nil)

	mm := matchmaker.New(ratingCfg, logger.WithField("component", "matchmaker"),
		func(botID string) bool { return hub.IsAttachedAnywhere(context.Background(), botID) },
		srv.CreateMatch)
	mmBox = mm
	srv.SetMatchmaker(mm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start transport hub: %w", err)
	}
	mm.Start(ctx)
	ownMgr.StartupRecovery(ctx)
	ownMgr.Start(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort),
		Handler: srv.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.WithField("error", err.Error()).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGracePeriodSeconds)*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	mm.Stop()
	hub.Stop()
	ownMgr.Shutdown(shutdownCtx)

	return nil
}
