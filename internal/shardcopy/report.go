package shardcopy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/natefinch/atomic"
)

// Report summarises one engine run.
type Report struct {
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Duration           string    `json:"duration"`
	Threads            int       `json:"threads"`
	JobsCompleted      int64     `json:"jobs_completed"`
	JobsFailed         int64     `json:"jobs_failed"`
	Units              int64     `json:"units"`
	Resources          int64     `json:"resources"`
	IndexRows          int64     `json:"index_rows"`
	Transactions       int64     `json:"transactions"`
	FailedTransactions int64     `json:"failed_transactions"`
	Retries            int64     `json:"retries"`
	VisibilityAdvances int64     `json:"visibility_advances"`
	Stopped            bool      `json:"stopped"`
	Error              string    `json:"error,omitempty"`
}

// WriteReport replaces path with the JSON report. Readers never see a
// partially written file.
func WriteReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
