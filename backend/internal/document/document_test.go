package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docsync/backend/internal/delta"
)

func TestNew_EmptyDocument(t *testing.T) {
	doc := New("alice")
	require.NotEmpty(t, doc.ID)
	require.Equal(t, DefaultTitle, doc.Title)
	require.Equal(t, "alice", doc.Owner)
	require.Empty(t, doc.Collaborators)
	require.True(t, delta.Equal(delta.Empty(), doc.Snapshot))
	require.NoError(t, Validate(doc))
}

func TestCanAccess(t *testing.T) {
	doc := New("alice")
	doc.Collaborators = []string{"bob"}

	require.True(t, CanAccess(doc, "alice"))
	require.True(t, CanAccess(doc, "bob"))
	require.False(t, CanAccess(doc, "carol"))
	require.False(t, CanAccess(doc, ""))
	require.False(t, CanAccess(nil, "alice"))

	require.True(t, IsOwner(doc, "alice"))
	require.False(t, IsOwner(doc, "bob"))
}

func TestValidate_RejectsOwnerAsCollaborator(t *testing.T) {
	doc := New("alice")
	doc.Collaborators = []string{"alice"}
	require.ErrorIs(t, Validate(doc), ErrInvalidRecord)
}

func TestValidate_RejectsDuplicateCollaborators(t *testing.T) {
	doc := New("alice")
	doc.Collaborators = []string{"bob", "bob"}
	require.ErrorIs(t, Validate(doc), ErrInvalidRecord)
}

func TestValidate_RejectsMalformedSnapshot(t *testing.T) {
	doc := New("alice")
	doc.Snapshot = delta.Delta{}
	require.ErrorIs(t, Validate(doc), ErrInvalidRecord)
	require.ErrorIs(t, ValidateSnapshot(delta.Delta{}), ErrInvalidRecord)
	require.NoError(t, ValidateSnapshot(delta.Empty()))
}

func TestValidate_RejectsMalformedHistory(t *testing.T) {
	doc := New("alice")
	doc.History = []ChangeEntry{{Author: "alice", Delta: delta.Delta{}, CreatedAt: time.Now()}}
	require.ErrorIs(t, Validate(doc), ErrInvalidRecord)

	require.ErrorIs(t, ValidateEntry(ChangeEntry{Delta: delta.Empty()}), ErrInvalidRecord)
	require.NoError(t, ValidateEntry(ChangeEntry{Author: "alice", Delta: delta.Empty(), CreatedAt: time.Now()}))
}
