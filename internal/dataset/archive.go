package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Array names inside an archive.
const (
	KeyObs        = "data/obs"
	KeyActions    = "data/actions"
	KeyFirstSteps = "data/first_steps"
	KeyRootPos    = "data/root_pos"
)

var ErrMissingArray = errors.New("archive is missing a required array")

// Array is a dense row-major n-dimensional array.
type Array struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func (a Array) validate(name string) error {
	n := 1
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("%w: array %s has negative dimension in %v", ErrShape, name, a.Shape)
		}
		n *= d
	}
	if len(a.Shape) == 0 || n != len(a.Data) {
		return fmt.Errorf("%w: array %s has %d values for shape %v", ErrShape, name, len(a.Data), a.Shape)
	}
	return nil
}

// Archive is a container of named arrays as written by a vectorised
// collector: every array is time-major, [time, num_envs, feature] or
// [time, num_envs] for per-step flags.
type Archive struct {
	Arrays map[string]Array `json:"arrays"`
}

func NewArchive() *Archive {
	return &Archive{Arrays: make(map[string]Array)}
}

func (a *Archive) Put(name string, arr Array) error {
	if err := arr.validate(name); err != nil {
		return err
	}
	a.Arrays[name] = arr
	return nil
}

func (a *Archive) Get(name string) (Array, error) {
	arr, ok := a.Arrays[name]
	if !ok {
		return Array{}, fmt.Errorf("%w: %s", ErrMissingArray, name)
	}
	if err := arr.validate(name); err != nil {
		return Array{}, err
	}
	return arr, nil
}

func (a *Archive) Names() []string {
	names := make([]string, 0, len(a.Arrays))
	for name := range a.Arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LoadArchive(path string) (*Archive, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Archive
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", path, err)
	}
	if a.Arrays == nil {
		a.Arrays = make(map[string]Array)
	}
	return &a, nil
}

func (a *Archive) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}
