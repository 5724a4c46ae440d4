package runner

import (
	"context"

	"noteops/internal/dispatcher"
	"noteops/internal/observability"
	"noteops/internal/sidecar"
)

// SidecarAgent performs the work phases by invoking named actions on the
// sidecar. Content generation itself lives behind the sidecar; the agent
// only carries the task's parameters across.
type SidecarAgent struct {
	client *sidecar.Client
	logger *observability.Logger
}

func NewSidecarAgent(client *sidecar.Client, logger *observability.Logger) *SidecarAgent {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SidecarAgent{client: client, logger: logger.With("module", "agent")}
}

// Interact browses and engages with noteCount notes for the task's account.
func (a *SidecarAgent) Interact(ctx context.Context, task *dispatcher.TaskInfo, noteCount int) error {
	params := map[string]any{
		"account_id": task.AccountID,
		"note_count": noteCount,
	}
	if topic, ok := task.Kwargs["topic"]; ok {
		params["topic"] = topic
	}
	_, err := a.client.Invoke(ctx, "interact_notes", params)
	if err == nil {
		a.logger.Info("interaction phase finished", "task_id", task.TaskID, "note_count", noteCount)
	}
	return err
}

// Publish creates and posts one note using the task's content parameters.
func (a *SidecarAgent) Publish(ctx context.Context, task *dispatcher.TaskInfo) error {
	params := map[string]any{
		"account_id": task.AccountID,
	}
	for _, key := range []string{"user_query", "topic", "style", "target_audience"} {
		if v, ok := task.Kwargs[key]; ok {
			params[key] = v
		}
	}
	_, err := a.client.Invoke(ctx, "publish_note", params)
	if err == nil {
		a.logger.Info("publish phase finished", "task_id", task.TaskID)
	}
	return err
}
