package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// CompletionTracker flips an asset to ready once every unit registered with
// Expect has reported Done, and to error on the first permanent failure.
// Units are set members, so redelivered messages cannot skew the count.
// Callers must Expect children before sending them and report their own
// Done only after the send.
type CompletionTracker struct {
	units    UnitStore
	statuses AssetStatusStore
}

func NewCompletionTracker(units UnitStore, statuses AssetStatusStore) *CompletionTracker {
	return &CompletionTracker{units: units, statuses: statuses}
}

func (t *CompletionTracker) Start(ctx context.Context, assetID string) error {
	if err := t.statuses.MarkProcessing(ctx, assetID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (t *CompletionTracker) Expect(ctx context.Context, assetID string, units ...string) error {
	if len(units) == 0 {
		return nil
	}
	if err := t.units.Add(ctx, assetID, units...); err != nil {
		return fmt.Errorf("register %d units: %w", len(units), err)
	}
	return nil
}

func (t *CompletionTracker) Done(ctx context.Context, assetID, unit string) error {
	remaining, err := t.units.Remove(ctx, assetID, unit)
	if err != nil {
		return fmt.Errorf("complete unit %s: %w", unit, err)
	}
	if remaining > 0 {
		return nil
	}
	if err := t.statuses.MarkReady(ctx, assetID); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	slog.InfoContext(ctx, "asset ready", "asset_id", assetID)
	return nil
}

func (t *CompletionTracker) Fail(ctx context.Context, assetID, stage string, cause error) error {
	if err := t.statuses.MarkError(ctx, assetID); err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if err := t.statuses.RecordError(ctx, assetID, stage, cause.Error()); err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	slog.WarnContext(ctx, "asset failed", "asset_id", assetID, "stage", stage, "error", cause)
	return nil
}
