package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/texweave/node/crdt"
)

func TestCreateDocumentSeedsContentAndVersion(t *testing.T) {
	reg := NewRegistry(crdt.NewEngine())
	owner := uuid.New()
	doc, err := reg.CreateDocument("Paper", owner, "hello")
	require.NoError(t, err)
	require.Equal(t, "Paper", doc.Title())
	require.Equal(t, owner, doc.Owner)
	require.Equal(t, uint64(1), doc.Version())
	require.Equal(t, "hello", reg.Engine().CurrentText(doc.Handle()))
}

func TestIsAuthorizedOwnerAndCollaborator(t *testing.T) {
	reg := NewRegistry(crdt.NewEngine())
	owner := uuid.New()
	doc, err := reg.CreateDocument("Paper", owner, "")
	require.NoError(t, err)

	require.True(t, doc.IsAuthorized(owner.String()))
	require.False(t, doc.IsAuthorized("stranger"))

	doc.AddCollaborator("stranger", "replica-1")
	require.True(t, doc.IsAuthorized("stranger"))

	doc.RemoveCollaborator("stranger")
	require.False(t, doc.IsAuthorized("stranger"))
}

func TestImportDocumentAlwaysAssignsFreshID(t *testing.T) {
	reg := NewRegistry(crdt.NewEngine())
	owner := uuid.New()
	src, err := reg.CreateDocument("Source", owner, "content")
	require.NoError(t, err)

	blob, err := reg.ExportDocument(src.ID)
	require.NoError(t, err)

	imported, err := reg.ImportDocument("Copy", owner, blob)
	require.NoError(t, err)
	require.NotEqual(t, src.ID, imported.ID)
	require.Equal(t, "content", reg.Engine().CurrentText(imported.Handle()))
}

func TestCreateBranchRecreatesEvictedReplica(t *testing.T) {
	reg := NewRegistry(crdt.NewEngine())
	owner := uuid.New()
	doc, err := reg.CreateDocument("Paper", owner, "")
	require.NoError(t, err)

	doc.SetHandle(nil) // simulate eviction
	require.Nil(t, doc.Handle())

	restored, err := reg.CreateBranch(doc.ID, "replica-2")
	require.NoError(t, err)
	require.NotNil(t, restored.Handle())
	require.Equal(t, "", reg.Engine().CurrentText(restored.Handle()))
}

func TestListDocumentsFilters(t *testing.T) {
	reg := NewRegistry(crdt.NewEngine())
	owner := uuid.New()
	other := uuid.New()
	_, err := reg.CreateDocument("Mine", owner, "")
	require.NoError(t, err)
	_, err = reg.CreateDocument("Theirs", other, "")
	require.NoError(t, err)

	all := reg.ListDocuments(FilterAll())
	require.Len(t, all, 2)

	mine := reg.ListDocuments(FilterOwnedBy(owner.String()))
	require.Len(t, mine, 1)
	require.Equal(t, "Mine", mine[0].Title())
}

func TestSetTitleLWWOrdering(t *testing.T) {
	reg := NewRegistry(crdt.NewEngine())
	doc, err := reg.CreateDocument("Initial", uuid.New(), "")
	require.NoError(t, err)

	now := time.Now()
	doc.SetTitle("Later", now.Add(time.Second), "replica-a")
	require.Equal(t, "Later", doc.Title())

	doc.SetTitle("Earlier", now, "replica-b")
	require.Equal(t, "Later", doc.Title(), "an earlier timestamp must not win")
}
