package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/config"
	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/jobctl"
	"github.com/Iron-Ham/stagehand/internal/jobindex"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/scheduler"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

// app is everything a command needs, built from the loaded configuration.
type app struct {
	cfg      *config.Config
	stateDir string
	logger   *logging.Logger
	bus      *event.Bus
	store    artifact.Store
	ctl      *jobctl.Controller
	index    *jobindex.Index
}

// newApp loads configuration and wires the runner, store, bus, job index
// and controller.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	stateDir := cfg.Paths.ResolveStateDir()

	logger, err := logging.NewLoggerWithRotation(filepath.Join(stateDir, "logs"), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, stateDir: stateDir, logger: logger, bus: event.NewBus(logger)}
	if a.store, err = newStore(cfg); err != nil {
		a.Close()
		return nil, err
	}

	runner, err := worker.NewFromConfig(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	index, err := jobindex.Open(filepath.Join(stateDir, jobindex.DefaultFileName), jobindex.WithLogger(logger))
	if err != nil {
		logger.Warn("job index unavailable", "error", err.Error())
	} else {
		a.index = index
		index.Attach(a.bus)
	}

	a.ctl, err = jobctl.New(jobctl.Config{
		Runner:          runner,
		Store:           a.store,
		Bus:             a.bus,
		PartialPolicy:   partialPolicy(cfg.Scheduler.PartialSuccess),
		DefaultTimeout:  cfg.Worker.DefaultTimeout(),
		PlannerTimeout:  cfg.Planner.Timeout(),
		PlannerMaxTurns: cfg.Planner.MaxTurns,
		StateDir:        stateDir,
		ProgressFile:    a.progressFile,
	}, jobctl.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the index and log file.
func (a *app) Close() {
	if a.index != nil {
		_ = a.index.Close()
	}
	_ = a.logger.Close()
}

// progressFile is the local mirror of a job's progress document.
func (a *app) progressFile(jobID string) string {
	return filepath.Join(a.stateDir, "progress", jobID+".md")
}

func newStore(cfg *config.Config) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case config.BackendRemote:
		token, baseURL := cfg.Artifacts.ResolveCredentials()
		if token == "" {
			return nil, fmt.Errorf("remote artifact backend needs artifacts.api_token or a credentials file")
		}
		return artifact.NewHTTPClient(baseURL, token, cfg.Artifacts.RequestTimeout()), nil
	default:
		dir, err := filepath.Abs(cfg.Artifacts.LocalDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create artifact dir: %w", err)
		}
		return artifact.NewFSStore(afero.NewOsFs(), dir), nil
	}
}

func partialPolicy(name string) scheduler.PartialPolicy {
	if name == config.PartialHalt {
		return scheduler.PolicyHalt
	}
	return scheduler.PolicyContinue
}
