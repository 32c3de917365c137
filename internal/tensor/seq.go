package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

var ErrShape = errors.New("tensor shape mismatch")

// Seq is a dense batch of sequences laid out as [B, L, D] in row-major order.
type Seq struct {
	B    int
	L    int
	D    int
	Data []float64
}

func New(b, l, d int) *Seq {
	if b < 0 || l < 0 || d < 0 {
		panic(fmt.Sprintf("tensor: negative shape [%d %d %d]", b, l, d))
	}
	return &Seq{B: b, L: l, D: d, Data: make([]float64, b*l*d)}
}

// From wraps data without copying.
func From(b, l, d int, data []float64) (*Seq, error) {
	if len(data) != b*l*d {
		return nil, fmt.Errorf("%w: %d values for shape [%d %d %d]", ErrShape, len(data), b, l, d)
	}
	return &Seq{B: b, L: l, D: d, Data: data}, nil
}

func Like(s *Seq) *Seq {
	return New(s.B, s.L, s.D)
}

func Randn(b, l, d int, rng *rand.Rand) *Seq {
	out := New(b, l, d)
	for i := range out.Data {
		out.Data[i] = rng.NormFloat64()
	}
	return out
}

func (s *Seq) Shape() [3]int {
	return [3]int{s.B, s.L, s.D}
}

func (s *Seq) SameShape(o *Seq) bool {
	return o != nil && s.B == o.B && s.L == o.L && s.D == o.D
}

func (s *Seq) Len() int {
	return len(s.Data)
}

func (s *Seq) Clone() *Seq {
	out := &Seq{B: s.B, L: s.L, D: s.D, Data: make([]float64, len(s.Data))}
	copy(out.Data, s.Data)
	return out
}

func (s *Seq) index(b, l, d int) int {
	return (b*s.L+l)*s.D + d
}

func (s *Seq) At(b, l, d int) float64 {
	return s.Data[s.index(b, l, d)]
}

func (s *Seq) Set(b, l, d int, v float64) {
	s.Data[s.index(b, l, d)] = v
}

// Row returns the D-length vector at (b, l). The slice aliases s.Data.
func (s *Seq) Row(b, l int) []float64 {
	start := s.index(b, l, 0)
	return s.Data[start : start+s.D : start+s.D]
}

// Batch returns the [L, D] block of batch element b. The slice aliases s.Data.
func (s *Seq) Batch(b int) []float64 {
	n := s.L * s.D
	return s.Data[b*n : (b+1)*n : (b+1)*n]
}

func (s *Seq) Fill(v float64) {
	for i := range s.Data {
		s.Data[i] = v
	}
}

func (s *Seq) Zero() {
	s.Fill(0)
}

// ZeroBatch clears every value of batch element b.
func (s *Seq) ZeroBatch(b int) {
	block := s.Batch(b)
	for i := range block {
		block[i] = 0
	}
}

func (s *Seq) AddScaled(alpha float64, o *Seq) error {
	if !s.SameShape(o) {
		return fmt.Errorf("%w: %v vs %v", ErrShape, s.Shape(), o.Shape())
	}
	floats.AddScaled(s.Data, alpha, o.Data)
	return nil
}

func (s *Seq) Scale(c float64) {
	floats.Scale(c, s.Data)
}

// ScaleBatch multiplies every batch element b by c[b].
func (s *Seq) ScaleBatch(c []float64) error {
	if len(c) != s.B {
		return fmt.Errorf("%w: %d scales for batch %d", ErrShape, len(c), s.B)
	}
	for b := 0; b < s.B; b++ {
		floats.Scale(c[b], s.Batch(b))
	}
	return nil
}

// AddScaledBatch adds c[b]*o[b] to every batch element b.
func (s *Seq) AddScaledBatch(c []float64, o *Seq) error {
	if !s.SameShape(o) {
		return fmt.Errorf("%w: %v vs %v", ErrShape, s.Shape(), o.Shape())
	}
	if len(c) != s.B {
		return fmt.Errorf("%w: %d scales for batch %d", ErrShape, len(c), s.B)
	}
	for b := 0; b < s.B; b++ {
		floats.AddScaled(s.Batch(b), c[b], o.Batch(b))
	}
	return nil
}

// Blend writes mask*src + (1-mask)*s into s element-wise.
func (s *Seq) Blend(src, mask *Seq) error {
	if !s.SameShape(src) || !s.SameShape(mask) {
		return fmt.Errorf("%w: blend %v with %v under %v", ErrShape, s.Shape(), src.Shape(), mask.Shape())
	}
	for i, m := range mask.Data {
		if m == 0 {
			continue
		}
		if m == 1 {
			s.Data[i] = src.Data[i]
			continue
		}
		s.Data[i] = m*src.Data[i] + (1-m)*s.Data[i]
	}
	return nil
}

// SliceTime copies time steps [from, to) into a new tensor.
func (s *Seq) SliceTime(from, to int) (*Seq, error) {
	if from < 0 || to > s.L || from > to {
		return nil, fmt.Errorf("%w: time slice [%d, %d) of length %d", ErrShape, from, to, s.L)
	}
	out := New(s.B, to-from, s.D)
	for b := 0; b < s.B; b++ {
		for l := from; l < to; l++ {
			copy(out.Row(b, l-from), s.Row(b, l))
		}
	}
	return out, nil
}

// SliceDim copies feature dims [from, to) into a new tensor.
func (s *Seq) SliceDim(from, to int) (*Seq, error) {
	if from < 0 || to > s.D || from > to {
		return nil, fmt.Errorf("%w: dim slice [%d, %d) of width %d", ErrShape, from, to, s.D)
	}
	out := New(s.B, s.L, to-from)
	for b := 0; b < s.B; b++ {
		for l := 0; l < s.L; l++ {
			copy(out.Row(b, l), s.Row(b, l)[from:to])
		}
	}
	return out, nil
}

// ConcatDim joins a and b along the feature axis, a first.
func ConcatDim(a, b *Seq) (*Seq, error) {
	if a.B != b.B || a.L != b.L {
		return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, a.Shape(), b.Shape())
	}
	out := New(a.B, a.L, a.D+b.D)
	for i := 0; i < a.B; i++ {
		for l := 0; l < a.L; l++ {
			row := out.Row(i, l)
			copy(row, a.Row(i, l))
			copy(row[a.D:], b.Row(i, l))
		}
	}
	return out, nil
}

// MSE returns the mean squared difference between s and o.
func MSE(s, o *Seq) (float64, error) {
	if !s.SameShape(o) {
		return 0, fmt.Errorf("%w: %v vs %v", ErrShape, s.Shape(), o.Shape())
	}
	if len(s.Data) == 0 {
		return 0, nil
	}
	d := floats.Distance(s.Data, o.Data, 2)
	return d * d / float64(len(s.Data)), nil
}

func (s *Seq) HasNonFinite() bool {
	for _, v := range s.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
