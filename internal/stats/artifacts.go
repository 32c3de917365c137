package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"locodiff/internal/config"
	"locodiff/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	configFile      = "config.yaml"
	lossHistoryFile = "loss_history.csv"
	evalHistoryFile = "eval_history.json"
	summaryFile     = "summary.json"
)

type RunArtifacts struct {
	RunID   string            `json:"run_id"`
	Config  config.Config     `json:"config"`
	Losses  []model.LossPoint `json:"losses"`
	Evals   []model.EvalPoint `json:"evals,omitempty"`
	Summary RunSummary        `json:"summary"`
}

type RunIndexEntry struct {
	RunID        string   `json:"run_id"`
	Sampler      string   `json:"sampler"`
	Iterations   int      `json:"iterations"`
	Seed         int64    `json:"seed"`
	NumParams    int      `json:"num_params"`
	FinalLoss    float64  `json:"final_loss"`
	BestTestLoss *float64 `json:"best_test_loss,omitempty"`
	MeanReward   *float64 `json:"mean_reward,omitempty"`
	CreatedAtUTC string   `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if strings.TrimSpace(artifacts.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := WriteRunConfig(baseDir, artifacts.RunID, artifacts.Config); err != nil {
		return "", err
	}
	if err := WriteLossHistory(runDir, artifacts.Losses); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, evalHistoryFile), nonNil(artifacts.Evals)); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	return runDir, nil
}

func nonNil(evals []model.EvalPoint) []model.EvalPoint {
	if evals == nil {
		return []model.EvalPoint{}
	}
	return evals
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	// Later appended entries win ties on equal timestamps.
	order := make(map[string]int, len(entries))
	for i, e := range entries {
		order[e.RunID] = i
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAtUTC == entries[j].CreatedAtUTC {
			return order[entries[i].RunID] > order[entries[j].RunID]
		}
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

// ExportRunArtifacts copies a run directory's files to outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, lossHistoryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{evalHistoryFile, summaryFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (config.Config, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return config.Config{}, false, nil
		}
		return config.Config{}, false, err
	}

	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, false, err
	}
	return cfg, true, nil
}

func WriteRunConfig(baseDir, runID string, cfg config.Config) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, configFile), data, 0o644)
}

func WriteLossHistory(runDir string, losses []model.LossPoint) error {
	file, err := os.Create(filepath.Join(runDir, lossHistoryFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"iteration", "loss", "lr"}); err != nil {
		return err
	}
	for _, point := range losses {
		if err := writer.Write([]string{
			strconv.Itoa(point.Iteration),
			strconv.FormatFloat(point.Loss, 'g', -1, 64),
			strconv.FormatFloat(point.LR, 'g', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLossHistory(baseDir, runID string) ([]model.LossPoint, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, lossHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.LossPoint{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 3 {
		return nil, false, fmt.Errorf("loss history header must have 3 columns")
	}

	history := make([]model.LossPoint, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		var point model.LossPoint
		if point.Iteration, err = strconv.Atoi(record[0]); err != nil {
			return nil, false, err
		}
		if point.Loss, err = strconv.ParseFloat(record[1], 64); err != nil {
			return nil, false, err
		}
		if point.LR, err = strconv.ParseFloat(record[2], 64); err != nil {
			return nil, false, err
		}
		history = append(history, point)
	}
	return history, true, nil
}

func ReadEvalHistory(baseDir, runID string) ([]model.EvalPoint, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, evalHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var evals []model.EvalPoint
	if err := json.Unmarshal(data, &evals); err != nil {
		return nil, false, err
	}
	return evals, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
