package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/processor"
)

// Change event headers.
const (
	HeaderKind       = "kind"
	HeaderChangeType = "change_type"
	HeaderRunID      = "run_id"
)

// SnapshotReadyMessage announces that a snapshot for a kind has been collected.
type SnapshotReadyMessage struct {
	Kind               string `json:"kind"`
	Snapshot           string `json:"snapshot"`
	DiscriminatorValue string `json:"discriminator_value,omitempty"`
	DryRun             bool   `json:"dry_run,omitempty"`
	RunID              string `json:"run_id,omitempty"`
}

// ParseSnapshotReady decodes a trigger message. Kind and snapshot are required.
func ParseSnapshotReady(data []byte) (*SnapshotReadyMessage, error) {
	var msg SnapshotReadyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot-ready message: %w", err)
	}
	if msg.Kind == "" || msg.Snapshot == "" {
		return nil, fmt.Errorf("snapshot-ready message requires kind and snapshot")
	}
	return &msg, nil
}

// Request converts the message into a reconciliation request.
func (m *SnapshotReadyMessage) Request() processor.Request {
	return processor.Request{
		Kind:               m.Kind,
		Snapshot:           m.Snapshot,
		DiscriminatorValue: m.DiscriminatorValue,
		DryRun:             m.DryRun,
		RunID:              m.RunID,
	}
}
