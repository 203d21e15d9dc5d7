package calibration

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/tshcal/internal/fsutil"
	"github.com/banshee-data/tshcal/internal/gss"
	"github.com/banshee-data/tshcal/internal/rig"
	"github.com/banshee-data/tshcal/internal/tsh/buffer"
)

// SearchRecord is the outcome of one golden-section search at a rough home.
type SearchRecord struct {
	Axis        string           `json:"axis"`
	A           float64          `json:"a"`
	B           float64          `json:"b"`
	Mode        string           `json:"mode"`
	Result      gss.Result       `json:"result"`
	Reached     float64          `json:"reached"`
	Evaluations []gss.Evaluation `json:"evaluations"`
}

// Visit is everything recorded at one rough home.
type Visit struct {
	Home       string          `json:"home"`
	SensorAxis string          `json:"sensor_axis"`
	Started    time.Time       `json:"started"`
	Finished   time.Time       `json:"finished"`
	Searches   []SearchRecord  `json:"searches"`
	Summary    *buffer.Summary `json:"summary,omitempty"`
	CSV        string          `json:"csv,omitempty"`
}

// RunRecord is rewritten after every rough home so partial results survive
// a fatal error.
type RunRecord struct {
	RunID        string          `json:"run_id"`
	SensorID     string          `json:"sensor_id"`
	Rate         float64         `json:"rate"`
	Statistic    string          `json:"statistic"`
	StartHome    string          `json:"start_home"`
	Started      time.Time       `json:"started"`
	Finished     *time.Time      `json:"finished,omitempty"`
	QuickSummary *buffer.Summary `json:"quick_summary,omitempty"`
	Visits       []Visit         `json:"visits"`
	Parked       bool            `json:"parked"`
	Error        string          `json:"error,omitempty"`
}

// Complete reports whether every rough home from the start home on was visited.
func (r *RunRecord) Complete() bool {
	seq, err := rig.Sequence(r.StartHome)
	return err == nil && len(r.Visits) == len(seq)
}

// RecordPath is <outdir>/tshcal_<sensor>_<runid>.json.
func RecordPath(outDir, sensorID, runID string) string {
	return filepath.Join(outDir, fmt.Sprintf("tshcal_%s_%s.json", sensorID, runID))
}

// CSVPath is <outdir>/tshcal_<sensor>_<home>_<runid>.csv.
func CSVPath(outDir, sensorID, home, runID string) string {
	return filepath.Join(outDir, fmt.Sprintf("tshcal_%s_%s_%s.csv", sensorID, home, runID))
}

func writeRecord(fsys fsutil.FileSystem, path string, r *RunRecord) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(fsys, path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write run record %s: %w", path, err)
	}
	return nil
}

func writeCSV(fsys fsutil.FileSystem, path string, buf *buffer.SampleBuffer) (err error) {
	w, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := w.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return buf.WriteCSV(w)
}
