package scheduler

// Output categories attached to steps by workflow templates.
const (
	CategoryResearch = "research"
	CategoryOutline  = "outline"
	CategoryDraft    = "draft"
	CategoryReview   = "review"
	CategoryFinal    = "final"
)

// categoryStatus maps a completed step's output category to the task status
// it produces. Categories missing from the table leave the status as is.
var categoryStatus = map[string]TaskStatus{
	CategoryResearch: StatusResearched,
	CategoryOutline:  StatusOutlined,
	CategoryDraft:    StatusDrafted,
	CategoryReview:   StatusReviewed,
	CategoryFinal:    StatusFinalized,
}

// StatusForCategory returns the status derived from category and whether the
// category is mapped.
func StatusForCategory(category string) (TaskStatus, bool) {
	status, ok := categoryStatus[category]
	return status, ok
}

// DeriveStatus returns the status a task moves to after completing a step of
// the given category. Unmapped categories keep current.
func DeriveStatus(current TaskStatus, category string) TaskStatus {
	if status, ok := categoryStatus[category]; ok {
		return status
	}
	return current
}

// StatusAtIndex recomputes the status a task should carry when its pipeline
// is positioned at index: the derived status of the last completed step
// before index, falling back to backlog. Used when an operator resumes work.
func StatusAtIndex(pipeline []Step, index int) TaskStatus {
	status := StatusBacklog
	for i := 0; i < index && i < len(pipeline); i++ {
		if pipeline[i].Status == StepCompleted {
			status = DeriveStatus(status, pipeline[i].Category)
		}
	}
	return status
}
