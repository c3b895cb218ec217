// Package orchestration tracks child tasks spawned by orchestrating responses.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/metrics"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

// ChildSpec describes one child task to spawn under a parent response.
type ChildSpec struct {
	TaskType string // "image", "video"
	ModelID  string
	Provider string
	Category string
}

// Tracker records parent/child relationships between responses. The parent
// keeps an orchestrated task list; each child is a full response of its own
// that points back via ParentResponseID.
type Tracker struct {
	store  execstore.Store
	logger *slog.Logger
}

// NewTracker creates an orchestration tracker.
func NewTracker(store execstore.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// SpawnChild creates a pending child response under the parent and records
// it in the parent's orchestrated task list. A missing parent is logged and
// skipped rather than failing the caller; the parent may have been pruned.
func (t *Tracker) SpawnChild(ctx context.Context, parentResponseID string, spec ChildSpec) (string, error) {
	parent, err := t.store.GetResponse(ctx, parentResponseID)
	if err != nil {
		if errors.Is(err, execstore.ErrResponseNotFound) {
			t.logger.Warn("orchestration parent missing, skipping child",
				"parent_response_id", parentResponseID,
				"task_type", spec.TaskType)
			return "", nil
		}
		return "", fmt.Errorf("get parent response: %w", err)
	}

	childID := uuid.New().String()
	child := &types.ModelResponse{
		ID:               childID,
		UserID:           parent.UserID,
		ModelID:          spec.ModelID,
		Provider:         spec.Provider,
		Category:         spec.Category,
		Status:           types.ResponseStatusPending,
		ParentResponseID: parentResponseID,
	}
	if err := t.store.CreateResponse(ctx, child); err != nil {
		return "", fmt.Errorf("create child response: %w", err)
	}

	task := types.OrchestratedTask{
		TaskType:   spec.TaskType,
		ModelID:    spec.ModelID,
		Status:     types.ResponseStatusPending,
		ResponseID: childID,
	}
	if err := t.store.AppendOrchestratedTask(ctx, parentResponseID, task); err != nil {
		return "", fmt.Errorf("append orchestrated task: %w", err)
	}

	metrics.OrchestratedChildren.WithLabelValues(spec.TaskType).Inc()
	t.logger.Info("spawned orchestrated child",
		"parent_response_id", parentResponseID,
		"child_response_id", childID,
		"task_type", spec.TaskType,
		"model_id", spec.ModelID)
	return childID, nil
}

// UpdateChildStatus mirrors a child's status onto the parent's task list.
// The child response itself is updated through the execution store by the
// worker; this only keeps the parent's view current.
func (t *Tracker) UpdateChildStatus(ctx context.Context, parentResponseID, childResponseID string, status types.ResponseStatus) error {
	err := t.store.UpdateOrchestratedTask(ctx, parentResponseID, childResponseID, status)
	if err != nil {
		if errors.Is(err, execstore.ErrResponseNotFound) {
			t.logger.Warn("orchestration parent missing on status update",
				"parent_response_id", parentResponseID,
				"child_response_id", childResponseID)
			return nil
		}
		return fmt.Errorf("update orchestrated task: %w", err)
	}
	return nil
}
