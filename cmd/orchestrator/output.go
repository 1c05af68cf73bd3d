package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/scheduler"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints v as JSON when --json is set, otherwise the text from human.
func (c *commandContext) emit(cmd *cobra.Command, v any, human func() string) error {
	if c.flags.json {
		return writeJSON(cmd, v)
	}
	fmt.Fprint(cmd.OutOrStdout(), human())
	return nil
}

// taskView is the JSON shape of a task.
type taskView struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	CampaignID       string           `json:"campaign_id,omitempty"`
	Workflow         string           `json:"workflow"`
	Status           string           `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	Pipeline         []scheduler.Step `json:"pipeline"`
	LockedBy         string           `json:"locked_by,omitempty"`
	LockedAt         *time.Time       `json:"locked_at,omitempty"`
	RetryCount       int              `json:"retry_count"`
	PendingBranches  []string         `json:"pending_branches,omitempty"`
	GatedStep        *int             `json:"gated_step,omitempty"`
	RevisionCount    int              `json:"revision_count"`
	RevisionNotes    string           `json:"revision_notes,omitempty"`
	BlockedReason    string           `json:"blocked_reason,omitempty"`
	Queued           bool             `json:"queued,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func newTaskView(t *scheduler.Task) taskView {
	v := taskView{
		ID:               t.ID,
		Name:             t.Name,
		CampaignID:       t.CampaignID,
		Workflow:         t.Workflow,
		Status:           string(t.Status),
		CurrentStepIndex: t.CurrentStepIndex,
		Pipeline:         t.Pipeline,
		RetryCount:       t.RetryCount,
		PendingBranches:  t.PendingBranches,
		RevisionCount:    t.RevisionCount,
		RevisionNotes:    t.RevisionNotes,
		BlockedReason:    t.BlockedReason,
		Queued:           t.Queued,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if t.Lock != nil {
		v.LockedBy = t.Lock.Owner
		at := t.Lock.AcquiredAt
		v.LockedAt = &at
	}
	if t.GatedStep != scheduler.NoStep {
		gated := t.GatedStep
		v.GatedStep = &gated
	}
	return v
}

func lockText(t *scheduler.Task) string {
	if t.Lock == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Lock.Owner, strings.TrimSpace(humanize.Time(t.Lock.AcquiredAt)))
}

func currentStepText(t *scheduler.Task) string {
	step := t.CurrentStep()
	if step == nil || t.Status == scheduler.StatusCompleted {
		return "-"
	}
	return fmt.Sprintf("%d/%d %s", step.Order, len(t.Pipeline)-1, step.Agent)
}

func buildTaskRows(tasks []*scheduler.Task) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			t.Name,
			string(t.Status),
			currentStepText(t),
			lockText(t),
			strings.Join(t.PendingBranches, ","),
			strings.TrimSpace(humanize.Time(t.UpdatedAt)),
		})
	}
	return rows
}

func renderTaskList(tasks []*scheduler.Task) string {
	if len(tasks) == 0 {
		return "No tasks\n"
	}
	return renderTable(
		[]string{"ID", "Name", "Status", "Step", "Lock", "Branches", "Updated"},
		buildTaskRows(tasks),
		nil,
	)
}

func buildStepRows(t *scheduler.Task) [][]string {
	rows := make([][]string, 0, len(t.Pipeline))
	for _, s := range t.Pipeline {
		marker := ""
		if s.Order == t.CurrentStepIndex && !t.Status.IsTerminal() {
			marker = "→"
		}
		score := "-"
		if s.QualityScore != nil {
			score = strconv.FormatFloat(*s.QualityScore, 'f', 2, 64)
		}
		dispatched := "-"
		if s.DispatchedAt != nil {
			dispatched = strings.TrimSpace(humanize.Time(*s.DispatchedAt))
		}
		rows = append(rows, []string{
			marker,
			strconv.Itoa(s.Order),
			s.Agent,
			s.Category,
			string(s.Status),
			score,
			dispatched,
			strings.Join(s.Artifacts, ","),
		})
	}
	return rows
}
