package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store"
)

func TestInsertMoleculeDedup(t *testing.T) {
	ctx := context.Background()
	s := New()

	m := &domain.Molecule{Hash: "abc123", Symbols: []string{"H", "H"}}
	id1, err := s.InsertMolecule(ctx, m)
	require.NoError(t, err)

	id2, err := s.InsertMolecule(ctx, &domain.Molecule{Hash: "abc123", Symbols: []string{"H", "H"}})
	require.NoError(t, err)

	require.Equal(t, id1, id2, "inserting an identical hash must return the existing id")
}

func TestClaimCandidatesOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()

	now := time.Now()
	_, err := s.InsertTask(ctx, &domain.Task{RecordID: 1, Tag: "small_mem", Priority: domain.PriorityNormal})
	require.NoError(t, err)
	_, err = s.InsertTask(ctx, &domain.Task{RecordID: 2, Tag: "*", Priority: domain.PriorityHigh})
	require.NoError(t, err)
	_, err = s.InsertTask(ctx, &domain.Task{RecordID: 3, Tag: "*", Priority: domain.PriorityNormal})
	require.NoError(t, err)
	_ = now

	// Manager A declares [small_mem, *]: candidates include all three tasks.
	candidates, err := s.ClaimCandidates(ctx, []string{"small_mem", "*"}, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	// High priority task (record 2) must be claimed before normal ones.
	require.Equal(t, int64(2), candidates[0].RecordID)

	// Manager B declares [*] only: the manager's "*" entry matches any
	// task tag, so the "small_mem" task and both "*" tasks are candidates.
	candidatesB, err := s.ClaimCandidates(ctx, []string{"*"}, 10)
	require.NoError(t, err)
	require.Len(t, candidatesB, 3)
}

func TestClaimExcludesLeasedTasks(t *testing.T) {
	ctx := context.Background()
	s := New()

	taskID, err := s.InsertTask(ctx, &domain.Task{RecordID: 1, Tag: "*", Priority: domain.PriorityNormal})
	require.NoError(t, err)

	require.NoError(t, s.MarkClaimed(ctx, taskID, "manager-a", time.Now().Add(time.Minute)))

	candidates, err := s.ClaimCandidates(ctx, []string{"*"}, 10)
	require.NoError(t, err)
	require.Empty(t, candidates, "a leased task must not be claimable by another manager")
}

func TestHasInboundReferencesBlocksHardDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AddDependency(ctx, domain.RecordDependency{ParentID: 1, ChildID: 2, Position: 0}))

	referenced, err := s.HasInboundReferences(ctx, 2)
	require.NoError(t, err)
	require.True(t, referenced)

	referenced, err = s.HasInboundReferences(ctx, 1)
	require.NoError(t, err)
	require.False(t, referenced)
}

func TestUserStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.PutUser(ctx, &store.User{
		Username: "alice", PasswordHash: "hash", Permissions: []string{"read", "write"},
	}))

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)
	require.Equal(t, []string{"read", "write"}, got.Permissions)

	// mutating the returned clone must not leak back into the store.
	got.Permissions[0] = "admin"
	reGot, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "read", reGot.Permissions[0])

	require.NoError(t, s.PutUser(ctx, &store.User{Username: "bob", Permissions: []string{"compute"}}))
	all, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alice", all[0].Username) // sorted

	require.NoError(t, s.DeleteUser(ctx, "alice"))
	_, err = s.GetUser(ctx, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
}
