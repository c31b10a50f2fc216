package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forex-executor/config"
	"forex-executor/internal/api"
	"forex-executor/internal/bridge"
	"forex-executor/internal/command"
	"forex-executor/internal/correlation"
	"forex-executor/internal/events"
	"forex-executor/internal/exits"
	"forex-executor/internal/journal"
	"forex-executor/internal/killswitch"
	"forex-executor/internal/logging"
	"forex-executor/internal/marketdata"
	"forex-executor/internal/mirror"
	"forex-executor/internal/platform"
	"forex-executor/internal/positions"
	"forex-executor/internal/recovery"
	"forex-executor/internal/safety"
	"forex-executor/internal/scheduler"
	"forex-executor/internal/sizing"
	"forex-executor/internal/strategy"
	"forex-executor/internal/vault"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Str("executor", cfg.Executor.ID).Msg("Forex executor starting")

	// Secrets from Vault override whatever the file and env provided
	if cfg.Vault.Enabled {
		vaultClient, err := vault.NewClient(cfg.Vault)
		if err != nil {
			logger.Fatal().Err(err).Msg("Vault client initialization failed")
		}
		vaultCtx, cancelVault := context.WithTimeout(context.Background(), 10*time.Second)
		secrets, err := vaultClient.Load(vaultCtx)
		cancelVault()
		if err != nil {
			logger.Fatal().Err(err).Msg("Loading secrets from Vault failed")
		}
		cfg.ApplySecrets(secrets)
		logger.Info().Msg("Secrets loaded from Vault")
	}

	// Event bus
	bus := events.NewBus()

	// Broker bridge
	var broker bridge.Client
	if cfg.Executor.MockBroker {
		broker = bridge.NewMockClient()
		logger.Warn().Msg("Mock broker active, no real orders will be placed")
	} else {
		broker = bridge.NewTCPClient(cfg.Bridge, logger)
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), time.Duration(cfg.Bridge.TimeoutSeconds)*time.Second)
	err = broker.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Fatal().Err(err).Str("address", cfg.Bridge.Address).Msg("Broker bridge unreachable")
	}
	logger.Info().Msg("Broker bridge connected")

	// Core state
	cache := marketdata.NewCache(broker, cfg.Executor.BarCount, logger)
	book := positions.NewBook(logger)
	state := safety.NewState()
	corrFilter := correlation.NewFilter(cfg.Correlation, cache, logger)

	recoveryMgr, err := recovery.NewManager(cfg.Recovery, broker, book, state, bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Recovery manager initialization failed")
	}

	killSwitch := killswitch.New(cfg.KillSwitch, broker, book, state, recoveryMgr, bus, logger)
	validator := safety.NewValidator(cfg.Safety, state, book, killSwitch, corrFilter, logger)
	sizer := sizing.NewEngine(cfg.Executor.MaxLots, logger)
	exitMgr := exits.NewManager(cfg.Exits, broker, cache, book, state, bus, logger)

	sched := scheduler.NewScheduler(cfg.Scheduler, scheduler.Deps{
		Client:     broker,
		Cache:      cache,
		Book:       book,
		State:      state,
		Validator:  validator,
		Sizer:      sizer,
		Exits:      exitMgr,
		Bus:        bus,
		KillSwitch: killSwitch,
	}, logger)

	killSwitch.SetStoppers(sched, exitMgr)
	recoveryMgr.SetActiveSource(sched)
	recoveryMgr.SetKillSwitchQuery(killSwitch.IsActive)

	// Reconcile local state against the broker before anything trades
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 60*time.Second)
	report, err := recoveryMgr.Bootstrap(bootCtx)
	cancelBoot()
	if err != nil {
		logger.Fatal().Err(err).Msg("Startup reconciliation failed")
	}
	logger.Info().
		Bool("crashed", report.Crashed).
		Int("restored", report.Restored).
		Int("orphans", report.Orphans).
		Int("closed_while_down", report.ClosedWhileDown).
		Msg("Startup reconciliation complete")

	// Local strategy definitions
	defs, err := strategy.LoadDir(cfg.Executor.StrategiesDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Loading strategy definitions failed")
	}
	for _, def := range defs {
		if err := sched.Load(*def); err != nil {
			logger.Error().Str("strategy", def.ID).Err(err).Msg("Strategy definition rejected")
		}
	}
	logger.Info().Int("count", len(defs)).Str("dir", cfg.Executor.StrategiesDir).Msg("Strategy definitions loaded")

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	exitMgr.Start(runCtx)
	recoveryMgr.Start(runCtx)

	if report.RequiresConfirmation {
		logger.Warn().Msg("Crash recovery pending, strategies stay stopped until an operator confirms")
	} else if cfg.Executor.AutoResume {
		for _, id := range report.ActiveStrategies {
			if err := sched.Start(id); err != nil {
				logger.Error().Str("strategy", id).Err(err).Msg("Strategy not resumed")
			} else {
				logger.Info().Str("strategy", id).Msg("Strategy resumed from snapshot")
			}
		}
	}

	processor := command.NewProcessor(sched, killSwitch, recoveryMgr, broker, logger)

	// Platform uplink
	var platformClient *platform.Client
	if cfg.Platform.Enabled {
		platformClient = platform.NewClient(cfg.Platform, processor, broker, book, sched, killSwitch, bus, logger)
		platformClient.Start(runCtx)
	}

	// Trade journal
	var tradeJournal *journal.Journal
	var journalDB *journal.DB
	if cfg.Journal.Enabled {
		dbCtx, cancelDB := context.WithTimeout(context.Background(), 30*time.Second)
		journalDB, err = journal.Open(dbCtx, cfg.Journal, logger)
		cancelDB()
		if err != nil {
			logger.Fatal().Err(err).Msg("Journal database connection failed")
		}
		tradeJournal = journal.NewJournal(journalDB, bus, logger)
		tradeJournal.Start()
	}

	// State mirror
	var stateMirror *mirror.Mirror
	if cfg.Mirror.Enabled {
		stateMirror = mirror.NewMirror(cfg.Mirror, book, sched, killSwitch, broker, bus, logger)
		stateMirror.Start()
	}

	// Local control API
	server := api.NewServer(cfg.API, api.Deps{
		Processor:  processor,
		Scheduler:  sched,
		Book:       book,
		KillSwitch: killSwitch,
		Recovery:   recoveryMgr,
		Cache:      cache,
		Bus:        bus,
		Client:     broker,
		Journal:    tradeJournal,
	}, logger)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("API server failed to start")
	}

	logger.Info().Int("strategies", len(defs)).Msg("Executor ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Stop taking commands first, then evaluation, then exit management.
	// Positions stay open; the shutdown snapshot records them so the next
	// start can resume.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}
	if platformClient != nil {
		platformClient.Stop()
	}
	sched.StopAll()
	exitMgr.Stop()
	cancelRun()
	killSwitch.Wait()
	recoveryMgr.Shutdown()

	if stateMirror != nil {
		stateMirror.Stop()
	}
	if tradeJournal != nil {
		tradeJournal.Stop()
	}
	if journalDB != nil {
		journalDB.Close()
	}
	bus.Close()
	logger.Info().Msg("Shutdown complete")
}
