package main

import (
	"locodiff/internal/config"
	"locodiff/internal/sampler"
	"locodiff/internal/schedule"
)

type trainOverrides struct {
	sampler   string
	schedule  string
	seed      int64
	batchSize int
	logLevel  string
}

// loadTrainConfig reads path (or the defaults) and applies the flags that
// were set explicitly on the command line.
func loadTrainConfig(path string, setFlags map[string]bool, o trainOverrides) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if setFlags["sampler"] {
		cfg.Policy.Sampler = sampler.Kind(o.sampler)
		if !setFlags["schedule"] {
			// Keep the schedule in the sampler's family.
			s, err := sampler.New(cfg.Policy.Sampler)
			if err != nil {
				return config.Config{}, err
			}
			_, discrete := mustSchedule(cfg).(*schedule.Discrete)
			switch {
			case s.Discrete() && !discrete:
				cfg.Policy.Schedule = schedule.KindSquaredCos
			case !s.Discrete() && discrete:
				cfg.Policy.Schedule = schedule.KindExponential
			}
		}
	}
	if setFlags["schedule"] {
		cfg.Policy.Schedule = schedule.Kind(o.schedule)
	}
	if setFlags["seed"] {
		cfg.Runner.Seed = o.seed
	}
	if setFlags["batch-size"] {
		cfg.Dataset.BatchSize = o.batchSize
	}
	if setFlags["log-level"] {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// mustSchedule builds the configured schedule, or nil when it is invalid.
func mustSchedule(cfg config.Config) schedule.Schedule {
	s, err := schedule.New(cfg.Policy.Schedule, schedule.Params{
		Steps:    cfg.Policy.SamplingSteps,
		SigmaMin: cfg.Policy.SigmaMin,
		SigmaMax: cfg.Policy.SigmaMax,
	})
	if err != nil {
		return nil
	}
	return s
}
