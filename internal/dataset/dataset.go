// Package dataset turns recorded episodes into fixed-length, masked training
// windows together with the normalisation statistics of the corpus.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"locodiff/internal/normalize"
)

var (
	ErrShape  = errors.New("dataset shape mismatch")
	ErrConfig = errors.New("invalid dataset configuration")
	ErrEmpty  = errors.New("dataset has no episodes")
)

// DefaultStatsLimit caps the observation rows used for input statistics.
const DefaultStatsLimit = 1_000_000

type Config struct {
	TCond         int     `json:"t_cond" yaml:"t_cond"`
	T             int     `json:"t" yaml:"t"`
	TrainFraction float64 `json:"train_fraction" yaml:"train_fraction"`
	StatsLimit    int     `json:"stats_limit" yaml:"stats_limit"`
	// UseRootPos prepends the root position array to every observation.
	UseRootPos bool `json:"use_root_pos" yaml:"use_root_pos"`
	// PadTail also enumerates windows reaching into trailing padding; the
	// mask marks those steps invalid.
	PadTail bool `json:"pad_tail" yaml:"pad_tail"`
}

func (c Config) Validate() error {
	if c.TCond < 1 || c.T < 1 {
		return fmt.Errorf("%w: t_cond and t must be >= 1, got %d, %d", ErrConfig, c.TCond, c.T)
	}
	if c.TrainFraction <= 0 || c.TrainFraction > 1 {
		return fmt.Errorf("%w: train_fraction must be in (0, 1], got %g", ErrConfig, c.TrainFraction)
	}
	if c.StatsLimit < 0 {
		return fmt.Errorf("%w: stats_limit must be >= 0", ErrConfig)
	}
	return nil
}

// Window is the number of steps in one training example.
func (c Config) Window() int { return c.TCond + c.T - 1 }

// Episode is one padded episode. Obs, Actions and Mask all have
// T_cond-1 + max episode length rows.
type Episode struct {
	Obs     [][]float64
	Actions [][]float64
	Mask    []float64
	// Length is the number of recorded steps before padding.
	Length int
}

// Dataset is immutable after construction and safe for concurrent readers.
type Dataset struct {
	cfg      Config
	obsDim   int
	actDim   int
	maxLen   int
	episodes []Episode
	input    normalize.Stats
	output   normalize.Stats
}

// New reads observations, actions and episode-start flags from the archive,
// splits them into episodes and pads them.
func New(a *Archive, cfg Config) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	obsArr, err := a.Get(KeyObs)
	if err != nil {
		return nil, err
	}
	actArr, err := a.Get(KeyActions)
	if err != nil {
		return nil, err
	}
	firstArr, err := a.Get(KeyFirstSteps)
	if err != nil {
		return nil, err
	}

	obs, err := byEnv(obsArr, KeyObs)
	if err != nil {
		return nil, err
	}
	if cfg.UseRootPos {
		rootArr, err := a.Get(KeyRootPos)
		if err != nil {
			return nil, err
		}
		root, err := byEnv(rootArr, KeyRootPos)
		if err != nil {
			return nil, err
		}
		if obs, err = concatFeatures(root, obs); err != nil {
			return nil, err
		}
	}
	actions, err := byEnv(actArr, KeyActions)
	if err != nil {
		return nil, err
	}
	first, err := byEnv(firstArr, KeyFirstSteps)
	if err != nil {
		return nil, err
	}
	if len(obs) != len(actions) || len(obs) != len(first) || len(obs[0]) != len(actions[0]) || len(obs[0]) != len(first[0]) {
		return nil, fmt.Errorf("%w: obs, actions and first_steps disagree on [envs, time]", ErrShape)
	}

	obsEps, actEps := splitEpisodes(obs, actions, first)
	return FromEpisodes(obsEps, actEps, cfg)
}

// byEnv transposes a time-major array to [env][time][feature]. Two-dimensional
// arrays get a feature width of 1.
func byEnv(arr Array, name string) ([][][]float64, error) {
	var steps, envs, width int
	switch len(arr.Shape) {
	case 2:
		steps, envs, width = arr.Shape[0], arr.Shape[1], 1
	case 3:
		steps, envs, width = arr.Shape[0], arr.Shape[1], arr.Shape[2]
	default:
		return nil, fmt.Errorf("%w: array %s must be [time, envs(, feature)], got %v", ErrShape, name, arr.Shape)
	}
	if steps == 0 || envs == 0 {
		return nil, fmt.Errorf("%w: array %s is empty", ErrEmpty, name)
	}
	out := make([][][]float64, envs)
	for e := range out {
		out[e] = make([][]float64, steps)
		for t := range out[e] {
			start := (t*envs + e) * width
			out[e][t] = arr.Data[start : start+width : start+width]
		}
	}
	return out, nil
}

func concatFeatures(a, b [][][]float64) ([][][]float64, error) {
	if len(a) != len(b) || len(a[0]) != len(b[0]) {
		return nil, fmt.Errorf("%w: cannot join arrays of different [envs, time]", ErrShape)
	}
	out := make([][][]float64, len(a))
	for e := range a {
		out[e] = make([][]float64, len(a[e]))
		for t := range a[e] {
			row := make([]float64, 0, len(a[e][t])+len(b[e][t]))
			row = append(row, a[e][t]...)
			out[e][t] = append(row, b[e][t]...)
		}
	}
	return out, nil
}

// splitEpisodes walks every env's steps in order and starts a new episode at
// each flagged step. The first step of every env always starts one.
func splitEpisodes(obs, actions, first [][][]float64) (obsEps, actEps [][][]float64) {
	for e := range obs {
		for t := range obs[e] {
			if t == 0 || first[e][t][0] != 0 {
				obsEps = append(obsEps, nil)
				actEps = append(actEps, nil)
			}
			last := len(obsEps) - 1
			obsEps[last] = append(obsEps[last], obs[e][t])
			actEps[last] = append(actEps[last], actions[e][t])
		}
	}
	return obsEps, actEps
}

// FromEpisodes builds a dataset from unpadded per-episode rows.
func FromEpisodes(obs, actions [][][]float64, cfg Config) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, ErrEmpty
	}
	if len(obs) != len(actions) {
		return nil, fmt.Errorf("%w: %d observation episodes, %d action episodes", ErrShape, len(obs), len(actions))
	}
	if cfg.StatsLimit == 0 {
		cfg.StatsLimit = DefaultStatsLimit
	}

	ds := &Dataset{cfg: cfg}
	var obsRows, outRows [][]float64
	for i := range obs {
		if len(obs[i]) == 0 || len(obs[i]) != len(actions[i]) {
			return nil, fmt.Errorf("%w: episode %d has %d observations and %d actions", ErrShape, i, len(obs[i]), len(actions[i]))
		}
		if i == 0 {
			ds.obsDim, ds.actDim = len(obs[0][0]), len(actions[0][0])
		}
		for t := range obs[i] {
			if len(obs[i][t]) != ds.obsDim || len(actions[i][t]) != ds.actDim {
				return nil, fmt.Errorf("%w: episode %d step %d has widths %d/%d, want %d/%d",
					ErrShape, i, t, len(obs[i][t]), len(actions[i][t]), ds.obsDim, ds.actDim)
			}
			obsRows = append(obsRows, obs[i][t])
			row := make([]float64, 0, ds.actDim+ds.obsDim)
			row = append(row, actions[i][t]...)
			outRows = append(outRows, append(row, obs[i][t]...))
		}
		if len(obs[i]) > ds.maxLen {
			ds.maxLen = len(obs[i])
		}
	}

	var err error
	if ds.input, err = normalize.ComputeStats(obsRows, cfg.StatsLimit); err != nil {
		return nil, fmt.Errorf("input stats: %w", err)
	}
	if ds.output, err = normalize.ComputeStats(outRows, 0); err != nil {
		return nil, fmt.Errorf("output stats: %w", err)
	}

	ds.episodes = make([]Episode, len(obs))
	for i := range obs {
		ds.episodes[i] = ds.pad(obs[i], actions[i])
	}
	return ds, nil
}

// pad lays out one episode as T_cond-1 valid zero steps, the recorded steps,
// then invalid zero steps up to the longest episode.
func (ds *Dataset) pad(obs, actions [][]float64) Episode {
	prefix := ds.cfg.TCond - 1
	total := prefix + ds.maxLen
	ep := Episode{
		Obs:     make([][]float64, total),
		Actions: make([][]float64, total),
		Mask:    make([]float64, total),
		Length:  len(obs),
	}
	for t := 0; t < total; t++ {
		ep.Obs[t] = make([]float64, ds.obsDim)
		ep.Actions[t] = make([]float64, ds.actDim)
		src := t - prefix
		if src < 0 {
			ep.Mask[t] = 1
			continue
		}
		if src < len(obs) {
			copy(ep.Obs[t], obs[src])
			copy(ep.Actions[t], actions[src])
			ep.Mask[t] = 1
		}
	}
	return ep
}

func (ds *Dataset) Config() Config               { return ds.cfg }
func (ds *Dataset) ObsDim() int                  { return ds.obsDim }
func (ds *Dataset) ActDim() int                  { return ds.actDim }
func (ds *Dataset) MaxLen() int                  { return ds.maxLen }
func (ds *Dataset) NumEpisodes() int             { return len(ds.episodes) }
func (ds *Dataset) InputStats() normalize.Stats  { return ds.input }
func (ds *Dataset) OutputStats() normalize.Stats { return ds.output }

// PaddedLen is the row count of every episode including the history prefix.
func (ds *Dataset) PaddedLen() int { return ds.cfg.TCond - 1 + ds.maxLen }

// Episode returns episode i. Callers must not modify it.
func (ds *Dataset) Episode(i int) Episode { return ds.episodes[i] }

// ValidLen is the number of rows of episode i that windows may cover.
func (ds *Dataset) ValidLen(i int) int {
	if ds.cfg.PadTail {
		return ds.PaddedLen()
	}
	return ds.cfg.TCond - 1 + ds.episodes[i].Length
}

// Normalizer builds a normaliser from the frozen corpus statistics.
func (ds *Dataset) Normalizer(mode normalize.Mode) (*normalize.Normalizer, error) {
	return normalize.New(ds.input, ds.output, mode)
}

// WindowCount is the number of stride-1 windows of size window in length
// steps.
func WindowCount(length, window int) int {
	if length < window {
		return 0
	}
	return length - window + 1
}

// Window addresses one training example.
type Window struct {
	Episode int
	Start   int
}

// Windows enumerates every window of the given episodes in order. Episodes
// too short for a single window contribute nothing.
func (ds *Dataset) Windows(episodes []int) []Window {
	size := ds.cfg.Window()
	var out []Window
	for _, ep := range episodes {
		n := WindowCount(ds.ValidLen(ep), size)
		for start := 0; start < n; start++ {
			out = append(out, Window{Episode: ep, Start: start})
		}
	}
	return out
}

// Split randomly partitions whole episodes into train and validation sets.
// Sizes are floor(n*f) and floor(n*(1-f)) with any remainder handed out
// round-robin starting with train.
func (ds *Dataset) Split(rng *rand.Rand) (train, val []int) {
	n := len(ds.episodes)
	f := ds.cfg.TrainFraction
	nTrain := int(math.Floor(float64(n) * f))
	nVal := int(math.Floor(float64(n) * (1 - f)))
	for i := 0; nTrain+nVal < n; i++ {
		if i%2 == 0 {
			nTrain++
		} else {
			nVal++
		}
	}
	perm := rng.Perm(n)
	return perm[:nTrain], perm[nTrain:]
}

// All lists every episode index.
func (ds *Dataset) All() []int {
	out := make([]int, len(ds.episodes))
	for i := range out {
		out[i] = i
	}
	return out
}
