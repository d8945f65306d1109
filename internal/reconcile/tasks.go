// Package reconcile retries call-event deliveries that could not be attached
// on first receipt, via delayed background tasks.
package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskCallEventReconcile re-runs identity resolution for one audited
// delivery.
const TaskCallEventReconcile = "callevents.reconcile"

// CallEventReconcilePayload identifies the audit row to replay.
type CallEventReconcilePayload struct {
	AuditID string `json:"auditId"`
}

// NewCallEventReconcileTask builds the asynq task for a reconcile attempt.
func NewCallEventReconcileTask(payload CallEventReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal reconcile payload: %w", err)
	}
	return asynq.NewTask(TaskCallEventReconcile, data), nil
}

// ParseCallEventReconcilePayload decodes a reconcile task payload.
func ParseCallEventReconcilePayload(task *asynq.Task) (CallEventReconcilePayload, error) {
	var payload CallEventReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CallEventReconcilePayload{}, fmt.Errorf("unmarshal reconcile payload: %w", err)
	}
	if payload.AuditID == "" {
		return CallEventReconcilePayload{}, fmt.Errorf("reconcile payload missing audit id")
	}
	return payload, nil
}
