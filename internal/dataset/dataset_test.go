package dataset

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// timeMajor builds [steps, envs, width] data where each value encodes
// (env, step, feature) so transposition mistakes are visible.
func timeMajor(steps, envs, width int, offset float64) Array {
	arr := Array{Shape: []int{steps, envs, width}, Data: make([]float64, steps*envs*width)}
	for t := 0; t < steps; t++ {
		for e := 0; e < envs; e++ {
			for f := 0; f < width; f++ {
				arr.Data[(t*envs+e)*width+f] = offset + float64(e*1000+t*10+f)
			}
		}
	}
	return arr
}

func flags(steps, envs int, starts map[[2]int]bool) Array {
	arr := Array{Shape: []int{steps, envs}, Data: make([]float64, steps*envs)}
	for t := 0; t < steps; t++ {
		for e := 0; e < envs; e++ {
			if starts[[2]int{e, t}] {
				arr.Data[t*envs+e] = 1
			}
		}
	}
	return arr
}

func twoEpisodeArchive(t *testing.T) *Archive {
	t.Helper()
	a := NewArchive()
	// One env recorded 80 steps; a new episode starts at step 50.
	for name, arr := range map[string]Array{
		KeyObs:        timeMajor(80, 1, 3, 0),
		KeyActions:    timeMajor(80, 1, 2, 0.5),
		KeyFirstSteps: flags(80, 1, map[[2]int]bool{{0, 50}: true}),
	} {
		if err := a.Put(name, arr); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}
	return a
}

func testConfig() Config {
	return Config{TCond: 4, T: 8, TrainFraction: 0.5}
}

func TestTwoEpisodePaddingAndWindows(t *testing.T) {
	ds, err := New(twoEpisodeArchive(t), testConfig())
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	if ds.NumEpisodes() != 2 {
		t.Fatalf("expected 2 episodes, got %d", ds.NumEpisodes())
	}
	if ds.MaxLen() != 50 || ds.PaddedLen() != 53 {
		t.Fatalf("expected padded length 50 (+3 prefix), got %d/%d", ds.MaxLen(), ds.PaddedLen())
	}

	ep2 := ds.Episode(1)
	if ep2.Length != 30 || len(ep2.Mask) != 53 {
		t.Fatalf("unexpected episode 2 layout: length=%d mask=%d", ep2.Length, len(ep2.Mask))
	}
	want := make([]float64, 53)
	for i := 0; i < 33; i++ {
		want[i] = 1
	}
	if diff := cmp.Diff(want, ep2.Mask); diff != "" {
		t.Fatalf("episode 2 mask mismatch (-want +got):\n%s", diff)
	}
	// First recorded step of episode 2 is global step 50, after the prefix.
	if ep2.Obs[3][0] != 500 || ep2.Obs[2][0] != 0 {
		t.Fatalf("unexpected episode 2 rows: prefix=%v first=%v", ep2.Obs[2], ep2.Obs[3])
	}

	if got := len(ds.Windows([]int{0})); got != 43 {
		t.Fatalf("expected 43 windows from episode 1, got %d", got)
	}
	if got := len(ds.Windows([]int{1})); got != 23 {
		t.Fatalf("expected 23 windows from episode 2, got %d", got)
	}
}

func TestPadTailWindowsCoverPadding(t *testing.T) {
	cfg := testConfig()
	cfg.PadTail = true
	ds, err := New(twoEpisodeArchive(t), cfg)
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	if got := len(ds.Windows([]int{1})); got != 43 {
		t.Fatalf("expected 43 windows with tail padding, got %d", got)
	}
	s, err := NewSlicer(ds, []int{1})
	if err != nil {
		t.Fatalf("slicer: %v", err)
	}
	last := s.Get(s.Len() - 1)
	if last.Mask.At(0, 0, 0) != 0 || last.Mask.At(0, 10, 0) != 0 {
		t.Fatalf("windows in the tail must be masked out: %v", last.Mask.Data)
	}
}

func TestWindowCount(t *testing.T) {
	for _, tc := range []struct{ length, window, want int }{
		{53, 11, 43},
		{11, 11, 1},
		{10, 11, 0},
		{0, 11, 0},
	} {
		if got := WindowCount(tc.length, tc.window); got != tc.want {
			t.Fatalf("WindowCount(%d, %d)=%d want %d", tc.length, tc.window, got, tc.want)
		}
	}
}

func TestShortEpisodesYieldNoWindows(t *testing.T) {
	obs := [][][]float64{make([][]float64, 20), make([][]float64, 2)}
	acts := [][][]float64{make([][]float64, 20), make([][]float64, 2)}
	for i := range obs {
		for t := range obs[i] {
			obs[i][t] = []float64{float64(t)}
			acts[i][t] = []float64{0}
		}
	}
	ds, err := FromEpisodes(obs, acts, Config{TCond: 2, T: 10, TrainFraction: 1})
	if err != nil {
		t.Fatalf("from episodes: %v", err)
	}
	if len(ds.Windows([]int{1})) != 0 {
		t.Fatal("an episode shorter than the window must contribute nothing")
	}
	if len(ds.Windows(ds.All())) != 11 {
		t.Fatalf("expected 11 windows, got %d", len(ds.Windows(ds.All())))
	}
}

func TestTransposeAcrossEnvs(t *testing.T) {
	a := NewArchive()
	_ = a.Put(KeyObs, timeMajor(6, 2, 1, 0))
	_ = a.Put(KeyActions, timeMajor(6, 2, 1, 0))
	_ = a.Put(KeyFirstSteps, flags(6, 2, map[[2]int]bool{{1, 3}: true}))
	ds, err := New(a, Config{TCond: 1, T: 1, TrainFraction: 1})
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	// env 0: one episode of 6; env 1: episodes of 3 and 3.
	if ds.NumEpisodes() != 3 {
		t.Fatalf("expected 3 episodes, got %d", ds.NumEpisodes())
	}
	lengths := []int{ds.Episode(0).Length, ds.Episode(1).Length, ds.Episode(2).Length}
	if diff := cmp.Diff([]int{6, 3, 3}, lengths); diff != "" {
		t.Fatalf("episode lengths mismatch (-want +got):\n%s", diff)
	}
	if ds.Episode(2).Obs[0][0] != 1030 {
		t.Fatalf("expected env 1 step 3 to start episode 3, got %v", ds.Episode(2).Obs[0])
	}
}

func TestStatsUseActionThenObservation(t *testing.T) {
	ds, err := New(twoEpisodeArchive(t), testConfig())
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	out := ds.OutputStats()
	if out.Dim() != 5 || ds.InputStats().Dim() != 3 {
		t.Fatalf("unexpected stats widths: out=%d in=%d", out.Dim(), ds.InputStats().Dim())
	}
	// Actions carry a 0.5 offset, observations do not.
	if out.Min[0] != 0.5 || out.Min[2] != 0 {
		t.Fatalf("output stats must be ordered [action | observation]: %v", out.Min)
	}
}

func TestRootPosIsPrepended(t *testing.T) {
	a := twoEpisodeArchive(t)
	_ = a.Put(KeyRootPos, timeMajor(80, 1, 2, -5))
	cfg := testConfig()
	cfg.UseRootPos = true
	ds, err := New(a, cfg)
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	if ds.ObsDim() != 5 || ds.Episode(0).Obs[3][0] != -5 {
		t.Fatalf("expected root position first: dim=%d row=%v", ds.ObsDim(), ds.Episode(0).Obs[3])
	}

	missing := twoEpisodeArchive(t)
	if _, err := New(missing, cfg); !errors.Is(err, ErrMissingArray) {
		t.Fatalf("expected ErrMissingArray, got %v", err)
	}
}

func TestMissingArrayIsFatal(t *testing.T) {
	a := twoEpisodeArchive(t)
	delete(a.Arrays, KeyActions)
	if _, err := New(a, testConfig()); !errors.Is(err, ErrMissingArray) {
		t.Fatalf("expected ErrMissingArray, got %v", err)
	}
}

func TestSplitPartitionsEpisodes(t *testing.T) {
	obs := make([][][]float64, 10)
	acts := make([][][]float64, 10)
	for i := range obs {
		obs[i] = [][]float64{{float64(i)}}
		acts[i] = [][]float64{{0}}
	}
	ds, err := FromEpisodes(obs, acts, Config{TCond: 1, T: 1, TrainFraction: 0.75})
	if err != nil {
		t.Fatalf("from episodes: %v", err)
	}
	train, val := ds.Split(rand.New(rand.NewSource(3)))
	if len(train) != 8 || len(val) != 2 {
		t.Fatalf("expected 8/2 split, got %d/%d", len(train), len(val))
	}
	seen := make(map[int]bool)
	for _, ep := range append(append([]int(nil), train...), val...) {
		if seen[ep] {
			t.Fatalf("episode %d appears twice", ep)
		}
		seen[ep] = true
	}
	if len(seen) != 10 {
		t.Fatalf("expected every episode once, got %d", len(seen))
	}
}

func TestLoaderCoversEveryWindowOncePerEpoch(t *testing.T) {
	ds, err := New(twoEpisodeArchive(t), testConfig())
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	s, err := NewSlicer(ds, ds.All())
	if err != nil {
		t.Fatalf("slicer: %v", err)
	}
	l, err := NewLoader(s, 16, true, 4, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	if l.BatchesPerEpoch() != 5 {
		t.Fatalf("expected 5 batches for 66 windows, got %d", l.BatchesPerEpoch())
	}

	total := 0
	for i := 0; i < l.BatchesPerEpoch(); i++ {
		b, err := l.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if b.Obs.L != 11 || b.Action.D != 2 || b.Mask.D != 1 {
			t.Fatalf("unexpected batch shapes: %v %v %v", b.Obs.Shape(), b.Action.Shape(), b.Mask.Shape())
		}
		for j := 0; j < b.Size(); j++ {
			if b.Mask.At(j, 0, 0) != 1 {
				t.Fatalf("windows over recorded steps must be fully valid")
			}
			total++
		}
	}
	if total != 66 || l.Epoch() != 0 {
		t.Fatalf("expected 66 windows in epoch 0, got %d (epoch %d)", total, l.Epoch())
	}
	if _, err := l.Next(context.Background()); err != nil {
		t.Fatalf("next epoch: %v", err)
	}
	if l.Epoch() != 1 {
		t.Fatalf("expected epoch 1 after wrap, got %d", l.Epoch())
	}
}

func TestLoaderAllIsOrderedWithoutShuffle(t *testing.T) {
	ds, _ := New(twoEpisodeArchive(t), testConfig())
	s, _ := NewSlicer(ds, []int{0})
	l, err := NewLoader(s, 10, false, 2, nil)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	batches, err := l.All(context.Background())
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(batches) != 5 || batches[4].Size() != 3 {
		t.Fatalf("expected 4 full batches and one of 3, got %d batches", len(batches))
	}
	// Window 0 starts in the prefix; window 3 starts at the first recorded step.
	if batches[0].Obs.At(3, 0, 0) != 0 || batches[0].Obs.At(3, 1, 0) != 10 {
		t.Fatalf("unexpected window contents: %v", batches[0].Obs.Row(3, 1))
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	a := twoEpisodeArchive(t)
	path := filepath.Join(t.TempDir(), "demos", "archive.json")
	if err := a.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadArchive(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(a.Names(), loaded.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if err := a.Put("bad", Array{Shape: []int{2, 2}, Data: []float64{1}}); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}
