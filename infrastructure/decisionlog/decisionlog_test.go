package decisionlog

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/graphassets/engine/domain/assets"
)

type recordedEntries struct {
	entries []assets.DecisionLogEntry
}

func (r *recordedEntries) RecordPlannerEvent(ctx context.Context, entry assets.DecisionLogEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func TestRecordPlannerEventAlwaysPersists(t *testing.T) {
	rec := &recordedEntries{}
	var buf bytes.Buffer
	tracer := TracingRecorder{Next: rec, Logger: zerolog.New(&buf), Enabled: false}

	entry := assets.DecisionLogEntry{PlannerRunID: "run-1", Decision: assets.DecisionSkipped, CreatedAt: time.Now()}
	if err := tracer.RecordPlannerEvent(context.Background(), entry); err != nil {
		t.Fatalf("RecordPlannerEvent: %v", err)
	}
	if len(rec.entries) != 1 {
		t.Fatalf("expected entry to persist regardless of trace enablement, got %d", len(rec.entries))
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no trace output when disabled, got %q", buf.String())
	}
}

func TestRecordPlannerEventEmitsTraceWhenEnabled(t *testing.T) {
	rec := &recordedEntries{}
	var buf bytes.Buffer
	tracer := TracingRecorder{Next: rec, Logger: zerolog.New(&buf), Enabled: true}

	entry := assets.DecisionLogEntry{
		PlannerRunID: "run-2",
		JobID:        "tick",
		TargetID:     "42",
		Decision:     assets.DecisionIngestFailed,
		Reason:       "upstream 500",
		CreatedAt:    time.Now(),
	}
	if err := tracer.RecordPlannerEvent(context.Background(), entry); err != nil {
		t.Fatalf("RecordPlannerEvent: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected a trace line when enabled")
	}

	var logged map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logged); err != nil {
		t.Fatalf("decode trace line: %v", err)
	}
	if logged["decision"] != string(assets.DecisionIngestFailed) {
		t.Fatalf("expected decision field in trace line, got %v", logged["decision"])
	}
	if logged["level"] != "warn" {
		t.Fatalf("expected ingest_failed to trace at warn level, got %v", logged["level"])
	}
}

func TestPruneRetentionCutoffDefaultsTo30Days(t *testing.T) {
	tracer := TracingRecorder{}
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	cutoff := tracer.PruneRetentionCutoff(now)
	want := now.AddDate(0, 0, -30)
	if !cutoff.Equal(want) {
		t.Fatalf("expected default retention cutoff %v, got %v", want, cutoff)
	}
}
