package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/aristath/contentflow/internal/config"
)

// WorkflowManager builds task pipelines from configured workflow templates.
type WorkflowManager struct {
	workflows map[string]config.WorkflowConfig // workflow name -> template
	plans     map[string][]string
}

// NewWorkflowManager validates every template and returns a manager for them.
func NewWorkflowManager(workflows map[string]config.WorkflowConfig) (*WorkflowManager, error) {
	wm := &WorkflowManager{
		workflows: make(map[string]config.WorkflowConfig, len(workflows)),
		plans:     make(map[string][]string, len(workflows)),
	}
	for name, wf := range workflows {
		plan, err := ValidateTemplate(name, wf)
		if err != nil {
			return nil, err
		}
		wm.workflows[name] = wf
		wm.plans[name] = plan
	}
	return wm, nil
}

// Names returns the registered workflow names in sorted order.
func (wm *WorkflowManager) Names() []string {
	names := make([]string, 0, len(wm.workflows))
	for name := range wm.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plan returns the validated execution plan of a workflow.
func (wm *WorkflowManager) Plan(name string) ([]string, bool) {
	plan, ok := wm.plans[name]
	return plan, ok
}

// NewTask instantiates a task from the named workflow: step 0 in progress,
// the rest pending, status backlog.
func (wm *WorkflowManager) NewTask(id, name, workflow, campaignID string, queued bool, now time.Time) (*Task, error) {
	wf, ok := wm.workflows[workflow]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflow)
	}

	task := &Task{
		ID:               id,
		Name:             name,
		CampaignID:       campaignID,
		Workflow:         workflow,
		Pipeline:         make([]Step, len(wf.Steps)),
		CurrentStepIndex: 0,
		Status:           StatusBacklog,
		ConvergenceStep:  NoStep,
		GatedStep:        NoStep,
		Queued:           queued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	for i, s := range wf.Steps {
		task.Pipeline[i] = Step{
			Order:     i,
			Status:    StepPending,
			Agent:     s.Agent,
			Category:  s.Category,
			ModelHint: s.Model,
		}
	}
	task.Pipeline[0].Status = StepInProgress

	for _, b := range wf.Branches {
		task.Branches = append(task.Branches, Branch{
			Label:            b.Label,
			TriggerAfterStep: b.TriggerAfterStep,
			Agent:            b.Agent,
			ModelHint:        b.Model,
		})
	}
	if wf.ConvergenceStep != nil {
		task.ConvergenceStep = *wf.ConvergenceStep
	}

	return task, nil
}
