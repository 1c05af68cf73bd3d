package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		category string
		current  TaskStatus
		want     TaskStatus
	}{
		{CategoryResearch, StatusBacklog, StatusResearched},
		{CategoryOutline, StatusResearched, StatusOutlined},
		{CategoryDraft, StatusOutlined, StatusDrafted},
		{CategoryReview, StatusDrafted, StatusReviewed},
		{CategoryFinal, StatusReviewed, StatusFinalized},
		{"", StatusDrafted, StatusDrafted},
		{"translation", StatusReviewed, StatusReviewed},
		{"Research", StatusBacklog, StatusBacklog},
	}

	for _, tt := range tests {
		t.Run(tt.category+"/"+string(tt.current), func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.current, tt.category))
		})
	}
}

func TestCategoryTableIsExhaustive(t *testing.T) {
	for _, category := range []string{CategoryResearch, CategoryOutline, CategoryDraft, CategoryReview, CategoryFinal} {
		status, ok := StatusForCategory(category)
		assert.True(t, ok, "category %q must be mapped", category)
		assert.False(t, status.IsTerminal(), "category %q must not map to a terminal status", category)
		assert.False(t, status.AwaitingOperator(), "category %q must not map to an operator status", category)
	}
	assert.Len(t, categoryStatus, 5)

	_, ok := StatusForCategory("unmapped")
	assert.False(t, ok)
}

func TestStatusAtIndex(t *testing.T) {
	pipeline := []Step{
		{Order: 0, Status: StepCompleted, Category: CategoryResearch},
		{Order: 1, Status: StepCompleted, Category: "notes"},
		{Order: 2, Status: StepPending, Category: CategoryDraft},
	}

	assert.Equal(t, StatusBacklog, StatusAtIndex(pipeline, 0))
	assert.Equal(t, StatusResearched, StatusAtIndex(pipeline, 1))
	assert.Equal(t, StatusResearched, StatusAtIndex(pipeline, 2), "unmapped category keeps the earlier status")
}

func TestTerminalAndOperatorStatuses(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusBlocked.IsTerminal())
	assert.True(t, StatusBlocked.AwaitingOperator())
	assert.True(t, StatusRevisionNeeded.AwaitingOperator())
	assert.False(t, StatusDrafted.AwaitingOperator())
}
