package logging

import "log/slog"

// Standard field keys.
const (
	FieldComponent = "component"
	FieldTaskID    = "task_id"
	FieldWorker    = "worker"
	FieldStep      = "step"
	FieldBranch    = "branch"
	FieldStatus    = "status"
	FieldCampaign  = "campaign_id"
	FieldError     = "error"
)

// Error returns an attribute for err, or an empty attribute for nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(FieldError, err.Error())
}

// Task returns the attribute identifying a task.
func Task(id string) slog.Attr {
	return slog.String(FieldTaskID, id)
}
