package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatwarden/warden/internal/counter"
	"github.com/chatwarden/warden/internal/discord"
	"github.com/chatwarden/warden/internal/engine"
	"github.com/chatwarden/warden/internal/engine/debounce"
	"github.com/chatwarden/warden/internal/engine/escalate"
	"github.com/chatwarden/warden/internal/engine/infraction"
	"github.com/chatwarden/warden/internal/engine/rules"
	"github.com/chatwarden/warden/internal/setup"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "engine",
		Usage: "Automated abuse detection and enforcement engine",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "auto-migrate",
				Usage: "apply pending database migrations on startup",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, c.Bool("auto-migrate"))
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(ctx context.Context, autoMigrate bool) error {
	app, err := setup.InitializeApp(ctx, autoMigrate)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup(ctx)

	logger := app.Logger
	discordCfg := &app.Config.Common.Discord
	engineCfg := &app.Config.Engine

	gw, err := discord.NewGateway(discordCfg.Token, discordCfg.RoleLevels(), logger)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	heuristics, err := rules.NewHeuristics(
		app.TrackerClient,
		time.Duration(discordCfg.GateDelay)*time.Second,
		discordCfg.BadWords,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to build heuristics: %w", err)
	}

	store := counter.NewStore(app.CounterClient, logger)
	evaluator := rules.NewEvaluator(store, app.DB.Model().Message(), heuristics, logger)
	policy := escalate.NewPolicy(app.TrackerClient, logger)
	registry := debounce.NewRegistry(logger)
	executor := discord.NewExecutor(gw.Client(), logger)

	manager := infraction.NewManager(
		app.DB.Model().Infraction(),
		executor,
		registry,
		discordCfg.MuteRoleIDs(),
		time.Duration(engineCfg.DispatchTimeout)*time.Millisecond,
		time.Duration(engineCfg.SweepBackoff)*time.Second,
		logger,
	)

	eng := engine.New(
		evaluator,
		policy,
		manager,
		app.DB.Model().Message(),
		app.DB.Model().Settings(),
		registry,
		app.TrackerClient,
		&engineCfg.Rules,
		logger,
	)
	gw.Attach(eng)

	// Re-arm pending expiries before events start flowing.
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to recover infraction state: %w", err)
	}

	if err := gw.Open(ctx); err != nil {
		manager.Stop()
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	logger.Info("Engine started, waiting for interrupt signal")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gw.Close(shutdownCtx)
	manager.Stop()

	_ = logger.Sync()

	return nil
}
