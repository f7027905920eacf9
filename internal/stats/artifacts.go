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

	"spores/internal/config"
	"spores/internal/graph"
	"spores/internal/model"
)

const (
	runIndexFile     = "run_index.json"
	configFile       = "config.json"
	graphFile        = "graph.json"
	linkMatrixFile   = "link_matrix.csv"
	optimizationFile = "optimization.json"
	areaTraceFile    = "area_trace.csv"
)

type RunConfig struct {
	RunID     string        `json:"run_id"`
	Root      [2]float64    `json:"root"`
	DtBase    float64       `json:"dt_base"`
	DtVector  []float64     `json:"dt_vector,omitempty"`
	Optimize  bool          `json:"optimize"`
	Allocator string        `json:"allocator,omitempty"`
	Params    config.Config `json:"params"`
}

// RunArtifacts is everything a run leaves on disk. Matrix and Optimization are
// optional.
type RunArtifacts struct {
	Config       RunConfig                 `json:"config"`
	Graph        graph.Document            `json:"graph"`
	Matrix       *graph.LinkMatrix         `json:"-"`
	Optimization *model.OptimizationRecord `json:"optimization,omitempty"`
}

type RunIndexEntry struct {
	RunID        string     `json:"run_id"`
	Root         [2]float64 `json:"root"`
	DtBase       float64    `json:"dt_base"`
	TotalSpores  int        `json:"total_spores"`
	TotalLinks   int        `json:"total_links"`
	Pairs        int        `json:"pairs"`
	Optimized    bool       `json:"optimized"`
	Area         float64    `json:"area"`
	CreatedAtUTC string     `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, graphFile), artifacts.Graph); err != nil {
		return "", err
	}
	if artifacts.Matrix != nil {
		if err := writeLinkMatrix(filepath.Join(runDir, linkMatrixFile), *artifacts.Matrix); err != nil {
			return "", err
		}
	}
	if artifacts.Optimization != nil {
		if err := writeJSON(filepath.Join(runDir, optimizationFile), artifacts.Optimization); err != nil {
			return "", err
		}
		if err := WriteAreaTrace(runDir, artifacts.Optimization.AreaTrace); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

func writeLinkMatrix(path string, m graph.LinkMatrix) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := m.WriteCSV(file); err != nil {
		return err
	}
	return file.Sync()
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

// ListRunIndex returns the index newest first.
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

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// later appends win ties
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

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

	for _, file := range []string{configFile, graphFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{linkMatrixFile, optimizationFile, areaTraceFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := copyFile(path, filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = runID
	}
	if cfg.RunID != runID {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, runID)
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadGraph(baseDir, runID string) (graph.Document, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, graphFile))
	if err != nil {
		if os.IsNotExist(err) {
			return graph.Document{}, false, nil
		}
		return graph.Document{}, false, err
	}
	doc, err := graph.ParseDocument(data)
	if err != nil {
		return graph.Document{}, false, err
	}
	return doc, true, nil
}

func ReadOptimization(baseDir, runID string) (model.OptimizationRecord, bool, error) {
	var record model.OptimizationRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, optimizationFile), &record)
	return record, ok, err
}

func WriteAreaTrace(runDir string, trace []float64) error {
	file, err := os.Create(filepath.Join(runDir, areaTraceFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"iteration", "area"}); err != nil {
		return err
	}
	for i, area := range trace {
		if err := writer.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(area, 'g', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadAreaTrace(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, areaTraceFile))
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
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("area trace header must have at least 2 columns")
	}

	trace := make([]float64, 0, 32)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("area trace row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		trace = append(trace, value)
	}
	return trace, true, nil
}

func readJSON(path string, dst any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
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
