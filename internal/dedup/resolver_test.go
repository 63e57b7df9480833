package dedup

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgetly/mailsync/internal/model"
)

func TestResolve(t *testing.T) {
	groups := []model.DuplicateGroup{
		{Indices: []int{0, 2, 5}, PrimaryIndex: 2, Reason: "same order"},
		{Indices: []int{1, 3}, PrimaryIndex: 1, Reason: "same subscription charge"},
	}

	assignments := Resolve(groups)
	require.Len(t, assignments, 5)

	// Every member of a group shares the group's id; exactly the declared
	// primary is primary.
	first := assignments[0].GroupID
	require.NoError(t, uuid.Validate(first))
	assert.Equal(t, first, assignments[2].GroupID)
	assert.Equal(t, first, assignments[5].GroupID)
	assert.False(t, assignments[0].IsPrimary)
	assert.True(t, assignments[2].IsPrimary)
	assert.False(t, assignments[5].IsPrimary)
	assert.Equal(t, "same order", assignments[0].Reason)

	second := assignments[1].GroupID
	assert.NotEqual(t, first, second)
	assert.True(t, assignments[1].IsPrimary)
	assert.False(t, assignments[3].IsPrimary)
}

func TestResolveEmpty(t *testing.T) {
	assert.Empty(t, Resolve(nil))
	assert.Empty(t, Resolve([]model.DuplicateGroup{}))
}

func TestResolveDropsTinyGroups(t *testing.T) {
	assignments := Resolve([]model.DuplicateGroup{
		{Indices: []int{4}, PrimaryIndex: 4},
	})
	assert.Empty(t, assignments)
}

func TestResolveFreshIDsPerCall(t *testing.T) {
	groups := []model.DuplicateGroup{{Indices: []int{0, 1}, PrimaryIndex: 0}}
	a := Resolve(groups)
	b := Resolve(groups)
	assert.NotEqual(t, a[0].GroupID, b[0].GroupID)
}
