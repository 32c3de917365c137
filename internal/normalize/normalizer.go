// Package normalize maps observations and model outputs to and from the
// normalised space the diffusion model works in.
package normalize

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"locodiff/internal/tensor"
)

type Mode string

const (
	// ModeGaussian standardises each dimension with the training mean and std.
	ModeGaussian Mode = "gaussian"
	// ModeLinear maps each dimension from the training [min, max] to [-1, 1].
	ModeLinear Mode = "linear"
)

var (
	ErrUnknownMode = errors.New("unknown normalisation mode")
	ErrDim         = errors.New("normaliser dimension mismatch")
)

// Stats are per-dimension statistics of a feature space.
type Stats struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
	Min  []float64 `json:"min"`
	Max  []float64 `json:"max"`
}

func (s Stats) Dim() int {
	return len(s.Mean)
}

func (s Stats) validate() error {
	n := len(s.Mean)
	if n == 0 {
		return errors.New("stats are empty")
	}
	if len(s.Std) != n || len(s.Min) != n || len(s.Max) != n {
		return fmt.Errorf("%w: mean=%d std=%d min=%d max=%d", ErrDim, n, len(s.Std), len(s.Min), len(s.Max))
	}
	return nil
}

// ComputeStats computes statistics over rows. When limit > 0 only the first
// limit rows contribute. Std is the unbiased sample deviation.
func ComputeStats(rows [][]float64, limit int) (Stats, error) {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if len(rows) == 0 {
		return Stats{}, errors.New("no rows to compute statistics")
	}
	dim := len(rows[0])
	stats := Stats{
		Mean: make([]float64, dim),
		Std:  make([]float64, dim),
		Min:  make([]float64, dim),
		Max:  make([]float64, dim),
	}
	column := make([]float64, len(rows))
	for d := 0; d < dim; d++ {
		for i, row := range rows {
			if len(row) != dim {
				return Stats{}, fmt.Errorf("%w: row %d has %d values, want %d", ErrDim, i, len(row), dim)
			}
			column[i] = row[d]
		}
		mean, std := stat.MeanStdDev(column, nil)
		if math.IsNaN(std) {
			std = 0
		}
		stats.Mean[d] = mean
		stats.Std[d] = std
		stats.Min[d] = floats.Min(column)
		stats.Max[d] = floats.Max(column)
	}
	return stats, nil
}

// affine is normalised = (x - shift) / scale, per dimension.
type affine struct {
	shift []float64
	scale []float64
	lo    []float64
	hi    []float64
}

func newAffine(s Stats, mode Mode) (affine, error) {
	if err := s.validate(); err != nil {
		return affine{}, err
	}
	n := s.Dim()
	a := affine{
		shift: make([]float64, n),
		scale: make([]float64, n),
		lo:    make([]float64, n),
		hi:    make([]float64, n),
	}
	for d := 0; d < n; d++ {
		switch mode {
		case ModeGaussian:
			a.shift[d], a.scale[d] = s.Mean[d], s.Std[d]
		case ModeLinear:
			a.shift[d], a.scale[d] = (s.Max[d]+s.Min[d])/2, (s.Max[d]-s.Min[d])/2
		default:
			return affine{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
		}
		// Constant dimensions pass through unchanged.
		if a.scale[d] == 0 || math.IsNaN(a.scale[d]) {
			a.shift[d], a.scale[d] = 0, 1
		}
		a.lo[d] = (s.Min[d] - a.shift[d]) / a.scale[d]
		a.hi[d] = (s.Max[d] - a.shift[d]) / a.scale[d]
	}
	return a, nil
}

func (a affine) forward(row []float64, offset int) {
	for i := range row {
		row[i] = (row[i] - a.shift[offset+i]) / a.scale[offset+i]
	}
}

func (a affine) inverse(row []float64) {
	floats.Mul(row, a.scale)
	floats.Add(row, a.shift)
}

func (a affine) clip(row []float64) {
	for i, v := range row {
		row[i] = math.Max(a.lo[i], math.Min(a.hi[i], v))
	}
}

// Normalizer applies frozen training statistics to the input (observation)
// space and the output ([action | observation]) space.
type Normalizer struct {
	mode   Mode
	input  Stats
	output Stats
	in     affine
	out    affine
}

func New(input, output Stats, mode Mode) (*Normalizer, error) {
	in, err := newAffine(input, mode)
	if err != nil {
		return nil, fmt.Errorf("input stats: %w", err)
	}
	out, err := newAffine(output, mode)
	if err != nil {
		return nil, fmt.Errorf("output stats: %w", err)
	}
	return &Normalizer{mode: mode, input: input, output: output, in: in, out: out}, nil
}

func (n *Normalizer) Mode() Mode        { return n.mode }
func (n *Normalizer) InputDim() int     { return n.input.Dim() }
func (n *Normalizer) OutputDim() int    { return n.output.Dim() }
func (n *Normalizer) InputStats() Stats { return n.input }

func (n *Normalizer) OutputStats() Stats { return n.output }

func (n *Normalizer) ScaleInput(x *tensor.Seq) (*tensor.Seq, error) {
	return n.apply(x, n.in, func(a affine, row []float64) { a.forward(row, 0) })
}

func (n *Normalizer) ScaleOutput(x *tensor.Seq) (*tensor.Seq, error) {
	return n.apply(x, n.out, func(a affine, row []float64) { a.forward(row, 0) })
}

func (n *Normalizer) InverseScaleOutput(x *tensor.Seq) (*tensor.Seq, error) {
	return n.apply(x, n.out, affine.inverse)
}

// Clip bounds normalised outputs to the normalised training range.
func (n *Normalizer) Clip(x *tensor.Seq) (*tensor.Seq, error) {
	return n.apply(x, n.out, affine.clip)
}

// ScaleOutputRange normalises v as the output-space dimensions
// [offset, offset+len(v)).
func (n *Normalizer) ScaleOutputRange(v []float64, offset int) ([]float64, error) {
	if offset < 0 || offset+len(v) > n.output.Dim() {
		return nil, fmt.Errorf("%w: range [%d, %d) of %d", ErrDim, offset, offset+len(v), n.output.Dim())
	}
	out := append([]float64(nil), v...)
	n.out.forward(out, offset)
	return out, nil
}

func (n *Normalizer) apply(x *tensor.Seq, a affine, fn func(affine, []float64)) (*tensor.Seq, error) {
	if x.D != len(a.shift) {
		return nil, fmt.Errorf("%w: tensor width %d, stats width %d", ErrDim, x.D, len(a.shift))
	}
	out := x.Clone()
	for b := 0; b < out.B; b++ {
		for l := 0; l < out.L; l++ {
			fn(a, out.Row(b, l))
		}
	}
	return out, nil
}

// State is the persisted form of a Normalizer.
type State struct {
	Mode   Mode  `json:"mode"`
	Input  Stats `json:"input"`
	Output Stats `json:"output"`
}

func (n *Normalizer) State() State {
	return State{Mode: n.mode, Input: cloneStats(n.input), Output: cloneStats(n.output)}
}

func FromState(s State) (*Normalizer, error) {
	return New(cloneStats(s.Input), cloneStats(s.Output), s.Mode)
}

func cloneStats(s Stats) Stats {
	return Stats{
		Mean: append([]float64(nil), s.Mean...),
		Std:  append([]float64(nil), s.Std...),
		Min:  append([]float64(nil), s.Min...),
		Max:  append([]float64(nil), s.Max...),
	}
}
