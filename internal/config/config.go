// Package config loads the training configuration from YAML or JSON files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"locodiff/internal/logutil"
	"locodiff/internal/normalize"
	"locodiff/internal/sampler"
	"locodiff/internal/schedule"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Dataset DatasetConfig `yaml:"dataset" json:"dataset"`
	Policy  PolicyConfig  `yaml:"policy" json:"policy"`
	Model   ModelConfig   `yaml:"model" json:"model"`
	EMA     EMAConfig     `yaml:"ema" json:"ema"`
	Runner  RunnerConfig  `yaml:"runner" json:"runner"`
	Env     EnvConfig     `yaml:"env" json:"env"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

type DatasetConfig struct {
	Path          string         `yaml:"path" json:"path"`
	TrainFraction float64        `yaml:"train_fraction" json:"train_fraction"`
	BatchSize     int            `yaml:"batch_size" json:"batch_size"`
	Workers       int            `yaml:"workers" json:"workers"`
	StatsLimit    int            `yaml:"stats_limit" json:"stats_limit"`
	UseRootPos    bool           `yaml:"use_root_pos" json:"use_root_pos"`
	PadTail       bool           `yaml:"pad_tail" json:"pad_tail"`
	Scaling       normalize.Mode `yaml:"scaling" json:"scaling"`
}

type PolicyConfig struct {
	T               int           `yaml:"t" json:"t"`
	TCond           int           `yaml:"t_cond" json:"t_cond"`
	Sampler         sampler.Kind  `yaml:"sampler" json:"sampler"`
	Schedule        schedule.Kind `yaml:"schedule" json:"schedule"`
	SamplingSteps   int           `yaml:"sampling_steps" json:"sampling_steps"`
	SigmaData       float64       `yaml:"sigma_data" json:"sigma_data"`
	SigmaMin        float64       `yaml:"sigma_min" json:"sigma_min"`
	SigmaMax        float64       `yaml:"sigma_max" json:"sigma_max"`
	CondLambda      float64       `yaml:"cond_lambda" json:"cond_lambda"`
	CondMaskProb    float64       `yaml:"cond_mask_prob" json:"cond_mask_prob"`
	LR              float64       `yaml:"lr" json:"lr"`
	Betas           [2]float64    `yaml:"betas" json:"betas"`
	WeightDecay     float64       `yaml:"weight_decay" json:"weight_decay"`
	InpaintObs      bool          `yaml:"inpaint_obs" json:"inpaint_obs"`
	InpaintFinalObs bool          `yaml:"inpaint_final_obs" json:"inpaint_final_obs"`
	ResamplingSteps int           `yaml:"resampling_steps" json:"resampling_steps"`
	JumpLength      int           `yaml:"jump_length" json:"jump_length"`
}

type ModelConfig struct {
	Hidden int `yaml:"hidden" json:"hidden"`
}

type EMAConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Decay   float64 `yaml:"decay" json:"decay"`
}

type RunnerConfig struct {
	NumIters     int    `yaml:"num_iters" json:"num_iters"`
	SimInterval  int    `yaml:"sim_interval" json:"sim_interval"`
	EvalInterval int    `yaml:"eval_interval" json:"eval_interval"`
	LogInterval  int    `yaml:"log_interval" json:"log_interval"`
	SimSteps     int    `yaml:"sim_steps" json:"sim_steps"`
	Seed         int64  `yaml:"seed" json:"seed"`
	ArtifactsDir string `yaml:"artifacts_dir" json:"artifacts_dir"`
	// Store is memory or sqlite; empty selects the build's default.
	Store  string `yaml:"store" json:"store"`
	DBPath string `yaml:"db_path" json:"db_path"`
}

type EnvConfig struct {
	NumEnvs int    `yaml:"num_envs" json:"num_envs"`
	Mode    string `yaml:"mode" json:"mode"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default mirrors the settings the cart-pole demonstrations were tuned with.
func Default() Config {
	return Config{
		Dataset: DatasetConfig{
			TrainFraction: 0.9,
			BatchSize:     64,
			Workers:       4,
			StatsLimit:    1_000_000,
			Scaling:       normalize.ModeGaussian,
		},
		Policy: PolicyConfig{
			T:               4,
			TCond:           2,
			Sampler:         sampler.KindDDPM,
			Schedule:        schedule.KindSquaredCos,
			SamplingSteps:   10,
			SigmaData:       0.5,
			SigmaMin:        0.001,
			SigmaMax:        50,
			CondLambda:      1,
			LR:              1e-4,
			Betas:           [2]float64{0.9, 0.999},
			WeightDecay:     1e-3,
			InpaintObs:      true,
			ResamplingSteps: 1,
			JumpLength:      1,
		},
		Model: ModelConfig{Hidden: 64},
		EMA:   EMAConfig{Enabled: true, Decay: 0.999},
		Runner: RunnerConfig{
			NumIters:     2000,
			SimInterval:  500,
			EvalInterval: 100,
			LogInterval:  50,
			SimSteps:     200,
			Seed:         1,
			ArtifactsDir: "runs",
		},
		Env: EnvConfig{NumEnvs: 8, Mode: "validation"},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or JSON, which is valid YAML) over Default and
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c Config) Validate() error {
	p := c.Policy
	switch {
	case p.T < 1 || p.TCond < 1:
		return fmt.Errorf("%w: policy t and t_cond must be >= 1", ErrInvalid)
	case p.SamplingSteps < 1:
		return fmt.Errorf("%w: policy sampling_steps must be >= 1", ErrInvalid)
	case !(p.SigmaData > 0):
		return fmt.Errorf("%w: policy sigma_data must be > 0", ErrInvalid)
	case !(p.SigmaMin > 0) || !(p.SigmaMax > p.SigmaMin):
		return fmt.Errorf("%w: policy sigmas must satisfy 0 < sigma_min < sigma_max", ErrInvalid)
	case p.CondMaskProb < 0 || p.CondMaskProb >= 1:
		return fmt.Errorf("%w: policy cond_mask_prob must be in [0, 1)", ErrInvalid)
	case p.ResamplingSteps < 1 || p.JumpLength < 1:
		return fmt.Errorf("%w: policy resampling_steps and jump_length must be >= 1", ErrInvalid)
	}
	if _, err := sampler.New(p.Sampler); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	d := c.Dataset
	switch {
	case d.TrainFraction <= 0 || d.TrainFraction > 1:
		return fmt.Errorf("%w: dataset train_fraction must be in (0, 1]", ErrInvalid)
	case d.BatchSize < 1:
		return fmt.Errorf("%w: dataset batch_size must be >= 1", ErrInvalid)
	case d.Workers < 0:
		return fmt.Errorf("%w: dataset workers must be >= 0", ErrInvalid)
	case d.Scaling != normalize.ModeGaussian && d.Scaling != normalize.ModeLinear:
		return fmt.Errorf("%w: dataset scaling %q", ErrInvalid, d.Scaling)
	}

	if c.Model.Hidden < 1 {
		return fmt.Errorf("%w: model hidden must be >= 1", ErrInvalid)
	}
	if c.EMA.Decay < 0 || c.EMA.Decay > 1 {
		return fmt.Errorf("%w: ema decay must be in [0, 1]", ErrInvalid)
	}

	r := c.Runner
	if r.NumIters < 1 || r.SimInterval < 1 || r.EvalInterval < 1 || r.LogInterval < 1 {
		return fmt.Errorf("%w: runner iterations and intervals must be >= 1", ErrInvalid)
	}
	if r.SimSteps < 1 {
		return fmt.Errorf("%w: runner sim_steps must be >= 1", ErrInvalid)
	}
	if c.Env.NumEnvs < 1 {
		return fmt.Errorf("%w: env num_envs must be >= 1", ErrInvalid)
	}
	if _, err := logutil.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
