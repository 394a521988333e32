package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageBatchDone  Stage = "BATCH_DONE"
	StageItemDone   Stage = "ITEM_DONE"
	StageItemFailed Stage = "ITEM_FAILED"
	StageJobDone    Stage = "JOB_DONE"
	StageJobError   Stage = "JOB_ERROR"
)

// Event captures a single step of run progress.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// JobType names the job type that owns the run.
	JobType string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Batch is the zero-based batch index for batch and item events.
	Batch int
	// Key is the unit-of-work key for item events.
	Key string
	// Items counts extracted items attached to the event.
	Items int
	// Succeeded, Skipped and Failed are outcome counts for BATCH_DONE and JOB_DONE.
	Succeeded int
	Skipped   int
	Failed    int
	// Dur captures batch or run wall time.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.JobType == "" {
		return errors.New("job type is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageBatchDone, StageJobDone, StageJobError:
	case StageItemDone, StageItemFailed:
		if e.Key == "" {
			return fmt.Errorf("%s requires key", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// ParseRunID decodes a textual run id into the Event form.
func ParseRunID(id string) ([16]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(parsed), nil
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
