// Package kernel wires the stores and components into a ready-to-use whole.
// The CLI and the serve command construct everything through here so they
// agree on data locations, configuration, and hook wiring.
package kernel

import (
	"context"
	"fmt"
	"log"
	"time"

	"routekern/internal/autoupdate"
	"routekern/internal/baseline"
	"routekern/internal/config"
	"routekern/internal/datadir"
	"routekern/internal/event"
	"routekern/internal/feedback"
	"routekern/internal/pattern"
	"routekern/internal/router"
	"routekern/internal/scheduler"
	"routekern/internal/telemetry"
)

// Kernel is the assembled routing kernel.
type Kernel struct {
	Config    *config.Config
	Dirs      *datadir.DataDir
	Baselines *baseline.Store
	Telemetry *telemetry.Store
	Router    *router.Router
	Feedback  *feedback.Ingest
	Detector  *pattern.Detector
	Gate      *autoupdate.Gate
}

// Open resolves the data directory, loads configuration, and constructs all
// components. configPath overrides the default {datadir}/config/kernel.yaml
// location when non-empty.
//
// The config file may itself set data_dir, so resolution runs twice: once
// with no config value to find the file, then again with the loaded value.
func Open(configPath string) (*Kernel, error) {
	dirs, err := datadir.New("")
	if err != nil {
		return nil, err
	}
	if err := datadir.LoadEnv(dirs.Root()); err != nil {
		log.Printf("[Kernel] Warning: %v", err)
	}

	if configPath == "" {
		configPath = dirs.ConfigFilePath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Debug() {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	dirs, err = datadir.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := dirs.EnsureDirs(); err != nil {
		return nil, err
	}

	ts, err := telemetry.Open(dirs.TelemetryDir())
	if err != nil {
		return nil, err
	}

	bs, err := baseline.NewStore(dirs.BaselinesDir(),
		baseline.WithLoadFailHook(func(loadErr error) {
			lf := event.LoadFail{Error: loadErr.Error(), TS: time.Now().UTC()}
			if _, appendErr := ts.Append(context.Background(), event.TypeLoadFail, baseline.DefaultVersion, lf); appendErr != nil {
				log.Printf("[Kernel] Failed to record baseline load failure: %v", appendErr)
			}
		}))
	if err != nil {
		ts.Close()
		return nil, err
	}

	return &Kernel{
		Config:    cfg,
		Dirs:      dirs,
		Baselines: bs,
		Telemetry: ts,
		Router:    router.New(bs, ts, router.WithDeadline(cfg.Router.Deadline())),
		Feedback:  feedback.New(bs, ts, feedback.WithGrace(cfg.Feedback.Grace())),
		Detector:  pattern.New(bs, ts, pattern.WithWindow(cfg.Telemetry.WindowDays)),
		Gate:      autoupdate.New(bs, ts, autoupdate.WithWindow(cfg.Telemetry.WindowDays)),
	}, nil
}

// Close releases the telemetry store. Safe to call once.
func (k *Kernel) Close() error {
	return k.Telemetry.Close()
}

// RegisterJobs wires the kernel's recurring jobs onto a scheduler using the
// configured cron schedules.
func (k *Kernel) RegisterJobs(s *scheduler.Scheduler) error {
	if err := s.Register("detect", k.Config.Jobs.Detect, func(ctx context.Context) error {
		proposals, err := k.Detector.Detect(ctx)
		if err != nil {
			return err
		}
		if len(proposals) > 0 {
			log.Printf("[Kernel] Pattern detection produced %d proposals", len(proposals))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("register detect job: %w", err)
	}

	if err := s.Register("monitor", k.Config.Jobs.Monitor, func(ctx context.Context) error {
		return k.Gate.Monitor(ctx)
	}); err != nil {
		return fmt.Errorf("register monitor job: %w", err)
	}

	if err := s.Register("sweep", k.Config.Jobs.Sweep, func(ctx context.Context) error {
		_, err := k.Feedback.SweepStale(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	return nil
}
