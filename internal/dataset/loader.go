package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"locodiff/internal/tensor"
)

// Slicer exposes the windows of a subset of episodes as indexable examples.
type Slicer struct {
	ds      *Dataset
	windows []Window
}

func NewSlicer(ds *Dataset, episodes []int) (*Slicer, error) {
	for _, ep := range episodes {
		if ep < 0 || ep >= ds.NumEpisodes() {
			return nil, fmt.Errorf("%w: episode %d of %d", ErrShape, ep, ds.NumEpisodes())
		}
	}
	return &Slicer{ds: ds, windows: ds.Windows(episodes)}, nil
}

func (s *Slicer) Len() int            { return len(s.windows) }
func (s *Slicer) Dataset() *Dataset   { return s.ds }
func (s *Slicer) Window(i int) Window { return s.windows[i] }

// Batch is a minibatch of windows: Obs [B, W, obs_dim], Action
// [B, W, act_dim] and Mask [B, W, 1].
type Batch struct {
	Obs    *tensor.Seq
	Action *tensor.Seq
	Mask   *tensor.Seq
}

func (b *Batch) Size() int { return b.Obs.B }

func (s *Slicer) newBatch(n int) *Batch {
	w := s.ds.cfg.Window()
	return &Batch{
		Obs:    tensor.New(n, w, s.ds.obsDim),
		Action: tensor.New(n, w, s.ds.actDim),
		Mask:   tensor.New(n, w, 1),
	}
}

// fill copies window i into row b of the batch.
func (s *Slicer) fill(batch *Batch, b, i int) {
	win := s.windows[i]
	ep := s.ds.episodes[win.Episode]
	for l := 0; l < batch.Obs.L; l++ {
		copy(batch.Obs.Row(b, l), ep.Obs[win.Start+l])
		copy(batch.Action.Row(b, l), ep.Actions[win.Start+l])
		batch.Mask.Set(b, l, 0, ep.Mask[win.Start+l])
	}
}

// Get returns window i as a batch of one.
func (s *Slicer) Get(i int) *Batch {
	batch := s.newBatch(1)
	s.fill(batch, 0, i)
	return batch
}

// Loader draws minibatches from a Slicer. Each batch is assembled by up to
// Workers goroutines writing disjoint rows. The order is reshuffled at the
// start of every epoch when Shuffle is set.
type Loader struct {
	slicer    *Slicer
	batchSize int
	shuffle   bool
	workers   int

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	pos   int
	epoch int
}

func NewLoader(slicer *Slicer, batchSize int, shuffle bool, workers int, rng *rand.Rand) (*Loader, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be >= 1", ErrConfig)
	}
	if slicer.Len() == 0 {
		return nil, fmt.Errorf("%w: no windows to load", ErrEmpty)
	}
	if shuffle && rng == nil {
		return nil, errors.New("shuffled loader needs a random source")
	}
	if workers < 1 {
		workers = 1
	}
	l := &Loader{slicer: slicer, batchSize: batchSize, shuffle: shuffle, workers: workers, rng: rng}
	l.reset()
	return l, nil
}

func (l *Loader) reset() {
	if l.shuffle {
		l.order = l.rng.Perm(l.slicer.Len())
	} else {
		l.order = make([]int, l.slicer.Len())
		for i := range l.order {
			l.order[i] = i
		}
	}
	l.pos = 0
}

// BatchesPerEpoch counts batches including a final partial one.
func (l *Loader) BatchesPerEpoch() int {
	return (l.slicer.Len() + l.batchSize - 1) / l.batchSize
}

func (l *Loader) Epoch() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// Next returns the next batch, starting a new epoch when the current one is
// exhausted.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	l.mu.Lock()
	if l.pos >= len(l.order) {
		l.epoch++
		l.reset()
	}
	end := min(l.pos+l.batchSize, len(l.order))
	indices := l.order[l.pos:end]
	l.pos = end
	l.mu.Unlock()
	return l.assemble(ctx, indices)
}

// All assembles one full pass in order of the current epoch.
func (l *Loader) All(ctx context.Context) ([]*Batch, error) {
	l.mu.Lock()
	order := append([]int(nil), l.order...)
	l.mu.Unlock()

	var out []*Batch
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))
		batch, err := l.assemble(ctx, order[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, nil
}

func (l *Loader) assemble(ctx context.Context, indices []int) (*Batch, error) {
	batch := l.slicer.newBatch(len(indices))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for b, i := range indices {
		b, i := b, i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l.slicer.fill(batch, b, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}
