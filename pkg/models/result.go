package models

import "time"

// Stats are the counters of one reconciliation run.
type Stats struct {
	Total                  int  `json:"total"`
	New                    int  `json:"new"`
	Modified               int  `json:"modified"`
	Deleted                int  `json:"deleted"`
	Unchanged              int  `json:"unchanged"`
	WriteCount             int  `json:"write_count"`
	WriteFailures          int  `json:"write_failures"`
	ChangeLogWrites        int  `json:"change_log_writes"`
	ParseErrors            int  `json:"parse_errors"`
	Throttled              int  `json:"throttled"`
	Retried                int  `json:"retried"`
	DeleteDetectionSkipped bool `json:"delete_detection_skipped"`
}

// WriteFailure is one item whose write was abandoned after retries.
type WriteFailure struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Error  string `json:"error"`
}

// RunSummary describes one invocation.
type RunSummary struct {
	RunID              string         `json:"run_id"`
	Kind               string         `json:"kind"`
	Snapshot           string         `json:"snapshot"`
	DiscriminatorValue string         `json:"discriminator_value,omitempty"`
	DryRun             bool           `json:"dry_run"`
	Status             RunStatus      `json:"status"`
	StartedAt          time.Time      `json:"started_at"`
	FinishedAt         time.Time      `json:"finished_at"`
	Failures           []WriteFailure `json:"failures,omitempty"`
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// ReconciliationResult is the outcome of one run.
type ReconciliationResult struct {
	Documents []Document     `json:"-"`
	Changes   []ChangeRecord `json:"-"`
	Summary   RunSummary     `json:"summary"`
	Stats     Stats          `json:"stats"`
}

// Run is the persisted record of one invocation.
type Run struct {
	RunSummary
	Stats Stats `json:"stats"`
}
