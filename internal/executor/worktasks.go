package executor

import (
	"context"
	"fmt"
	"strings"

	"workspace-assistant/internal/models"
	"workspace-assistant/internal/realtime"
	"workspace-assistant/internal/store"
)

func (e *Executor) createWorkTask(ctx context.Context, a models.Action) (outcome, error) {
	title := str(a.Payload, KeyTitle)
	if title == "" {
		return outcome{}, fmt.Errorf("task title required: %w", models.ErrInvalidInput)
	}
	due, err := timeOf(a.Payload, KeyDueAt)
	if err != nil {
		return outcome{}, err
	}
	assignee := str(a.Payload, KeyAssignee)
	if assignee != "" {
		if assignee, err = e.resolveUser(ctx, assignee); err != nil {
			return outcome{}, err
		}
	}
	t, err := e.store.CreateWorkspaceTask(ctx, store.CreateWorkspaceTaskParams{
		Title:      title,
		CreatedBy:  a.UserID,
		AssigneeID: assignee,
		DueAt:      due,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("create workspace task: %w", err)
	}
	return outcome{
		result: map[string]any{"taskId": t.ID, "title": t.Title, "status": t.Status},
		events: []realtime.Event{{Type: "task.created", Reason: t.Title, UserIDs: taskAudience(t)}},
	}, nil
}

func (e *Executor) updateWorkTask(ctx context.Context, a models.Action) (outcome, error) {
	t, err := e.resolveWorkTask(ctx, str(a.Payload, KeyTaskID), str(a.Payload, KeyTitle))
	if err != nil {
		return outcome{}, err
	}
	status := strings.ToUpper(str(a.Payload, KeyStatus))
	switch status {
	case "", models.WorkStatusOpen, models.WorkStatusInProgress, models.WorkStatusDone:
	default:
		return outcome{}, fmt.Errorf("task status %q: %w", status, models.ErrInvalidInput)
	}
	assignee := str(a.Payload, KeyAssignee)
	if assignee != "" {
		if assignee, err = e.resolveUser(ctx, assignee); err != nil {
			return outcome{}, err
		}
	}
	updated, err := e.store.UpdateWorkspaceTask(ctx, store.UpdateWorkspaceTaskParams{
		ID:         t.ID,
		Title:      str(a.Payload, KeyNewTitle),
		Status:     status,
		AssigneeID: assignee,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("update workspace task: %w", err)
	}
	return outcome{
		result: map[string]any{"taskId": updated.ID, "title": updated.Title, "status": updated.Status, "previousStatus": t.Status},
		events: []realtime.Event{{Type: "task.updated", Reason: updated.Title, UserIDs: taskAudience(updated)}},
	}, nil
}

// resolveWorkTask finds a task by id, else by title: a case-insensitive exact
// match beats a substring match, and newer tasks win ties.
func (e *Executor) resolveWorkTask(ctx context.Context, id, title string) (models.WorkspaceTask, error) {
	if id != "" {
		tasks, err := e.store.ListWorkspaceTasks(ctx, store.WorkspaceTaskFilter{IDs: []string{id}, Limit: 1})
		if err != nil {
			return models.WorkspaceTask{}, fmt.Errorf("load workspace task: %w", err)
		}
		if len(tasks) == 0 {
			return models.WorkspaceTask{}, fmt.Errorf("workspace task %s: %w", id, models.ErrNotFound)
		}
		return tasks[0], nil
	}
	if title == "" {
		return models.WorkspaceTask{}, fmt.Errorf("task id or title required: %w", models.ErrInvalidInput)
	}
	tasks, err := e.store.ListWorkspaceTasks(ctx, store.WorkspaceTaskFilter{Limit: 500})
	if err != nil {
		return models.WorkspaceTask{}, fmt.Errorf("list workspace tasks: %w", err)
	}
	want := strings.ToLower(title)
	for _, t := range tasks {
		if strings.ToLower(t.Title) == want {
			return t, nil
		}
	}
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Title), want) {
			return t, nil
		}
	}
	return models.WorkspaceTask{}, fmt.Errorf("workspace task %q: %w", title, models.ErrNotFound)
}

func taskAudience(t models.WorkspaceTask) []string {
	out := []string{t.CreatedBy}
	if t.AssigneeID != nil && *t.AssigneeID != t.CreatedBy {
		out = append(out, *t.AssigneeID)
	}
	return out
}
