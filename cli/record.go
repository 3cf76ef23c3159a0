package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/storage"
	"github.com/songzhibin97/sequence-engine/types"
)

// runRecord is the portable form of one archived run.
type runRecord struct {
	Result types.ExecutionResult `json:"result"`
	Events []events.Event        `json:"events"`
}

func loadRecord(ctx context.Context, a storage.Archive, id uint64) (runRecord, error) {
	res, err := a.GetResult(ctx, id)
	if err != nil {
		return runRecord{}, err
	}
	trail, err := a.Events(ctx, id)
	if err != nil {
		return runRecord{}, err
	}
	return runRecord{Result: res, Events: trail}, nil
}

// storeRecord writes the trail in one batch, then the result.
func storeRecord(ctx context.Context, a storage.Archive, rec runRecord) error {
	if _, err := a.GetResult(ctx, rec.Result.RunID); err == nil {
		return fmt.Errorf("run %d is already archived", rec.Result.RunID)
	} else if !errors.Is(err, storage.ErrResultNotFound) {
		return err
	}
	if err := a.AppendEvents(ctx, rec.Events); err != nil {
		return err
	}
	return a.SaveResult(ctx, rec.Result)
}

func writeRecord(path string, rec runRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run %d: %w", rec.Result.RunID, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func readRecord(path string) (runRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runRecord{}, err
	}
	var rec runRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return runRecord{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if rec.Result.RunID == 0 {
		return runRecord{}, fmt.Errorf("%s: record has no run id", path)
	}
	for _, ev := range rec.Events {
		if ev.RunID != rec.Result.RunID {
			return runRecord{}, fmt.Errorf("%s: event %s belongs to run %d, not %d", path, ev.ID, ev.RunID, rec.Result.RunID)
		}
	}
	return rec, nil
}
