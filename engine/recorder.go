package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/stageflow/stageflow/flow"
	"github.com/stageflow/stageflow/persist"
)

// recorder is the sole call site of HistoryStore.Append. History is
// best-effort observability: every failure is swallowed with a warning so a
// broken history store can never stall the engine.
type recorder struct {
	store  persist.HistoryStore // nil disables history entirely
	logger *log.Logger
}

func newRecorder(store persist.HistoryStore, logger *log.Logger) *recorder {
	return &recorder{store: store, logger: logger}
}

func (r *recorder) append(ctx context.Context, entry persist.HistoryEntry) {
	if r.store == nil {
		return
	}
	entry.ID = uuid.New()
	entry.OccurredAt = time.Now()
	if err := r.store.Append(ctx, entry); err != nil {
		if r.logger != nil {
			r.logger.Warn("history append failed",
				"flow", entry.FlowID, "instance", entry.InstanceID, "kind", entry.Kind, "error", err)
		}
	}
}

func (r *recorder) started(ctx context.Context, flowID string, id uuid.UUID, stage flow.Stage) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:     flowID,
		InstanceID: id,
		Kind:       persist.HistoryStarted,
		Stage:      stage.String(),
	})
}

func (r *recorder) eventAppended(ctx context.Context, flowID string, id uuid.UUID, key flow.EventKey) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:     flowID,
		InstanceID: id,
		Kind:       persist.HistoryEventAppended,
		Event:      key.String(),
	})
}

func (r *recorder) statusChanged(ctx context.Context, flowID string, id uuid.UUID, stage flow.Stage, from, to persist.Status) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:     flowID,
		InstanceID: id,
		Kind:       persist.HistoryStatusChanged,
		Stage:      stage.String(),
		FromStatus: from,
		ToStatus:   to,
	})
}

// stageChanged records a stage transition; event is non-nil when the
// transition was driven by a consumed event.
func (r *recorder) stageChanged(ctx context.Context, flowID string, id uuid.UUID, from, to flow.Stage, event *flow.EventKey) {
	entry := persist.HistoryEntry{
		FlowID:     flowID,
		InstanceID: id,
		Kind:       persist.HistoryStageChanged,
		FromStage:  from.String(),
		ToStage:    to.String(),
	}
	if event != nil {
		entry.Event = event.String()
	}
	r.append(ctx, entry)
}

func (r *recorder) cancelled(ctx context.Context, flowID string, id uuid.UUID, stage flow.Stage, from persist.Status) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:     flowID,
		InstanceID: id,
		Kind:       persist.HistoryCancelled,
		Stage:      stage.String(),
		FromStatus: from,
		ToStatus:   persist.StatusCancelled,
	})
}

func (r *recorder) failure(ctx context.Context, flowID string, id uuid.UUID, stage flow.Stage, cause error, stack []byte) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:       flowID,
		InstanceID:   id,
		Kind:         persist.HistoryError,
		Stage:        stage.String(),
		ErrorType:    fmt.Sprintf("%T", cause),
		ErrorMessage: cause.Error(),
		ErrorStack:   string(stack),
	})
}
