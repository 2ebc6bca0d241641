package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/zapbridge/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "data", "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testInstance(name, owner string) *domain.Instance {
	now := time.Unix(1767225600, 0)
	return &domain.Instance{
		ID:          "id-" + name,
		Name:        name,
		OwnerID:     owner,
		ConnectorID: "conn-" + name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestInstanceCRUD(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	inst := testInstance("inst1", "user-1")
	inst.ConnectorToken = "tok"
	require.NoError(t, repo.CreateInstance(ctx, inst))

	got, err := repo.GetInstance(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, "tok", got.ConnectorToken)
	assert.Empty(t, got.WorkflowWebhookURL)
	assert.False(t, got.AutoReply)

	got.WorkflowWebhookURL = "https://flows.example/hook"
	got.AutoReply = true
	got.SystemPrompt = "be brief"
	got.UpdatedAt = got.UpdatedAt.Add(time.Minute)
	require.NoError(t, repo.UpdateInstance(ctx, got))

	updated, err := repo.GetInstance(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, "https://flows.example/hook", updated.WorkflowWebhookURL)
	assert.True(t, updated.AutoReply)
	assert.Equal(t, "be brief", updated.SystemPrompt)

	require.NoError(t, repo.DeleteInstance(ctx, "inst1"))
	_, err = repo.GetInstance(ctx, "inst1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.DeleteInstance(ctx, "inst1"), ErrNotFound)
}

func TestCreateInstanceDuplicateName(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.CreateInstance(ctx, testInstance("dup", "a")))
	second := testInstance("dup", "b")
	second.ID = "other-id"
	assert.ErrorIs(t, repo.CreateInstance(ctx, second), ErrDuplicate)
}

func TestListInstancesByOwner(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	require.NoError(t, repo.CreateInstance(ctx, testInstance("a1", "alice")))
	require.NoError(t, repo.CreateInstance(ctx, testInstance("b1", "bob")))
	require.NoError(t, repo.CreateInstance(ctx, testInstance("a2", "alice")))

	all, err := repo.ListInstances(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := repo.ListInstances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "a1", mine[0].Name)
	assert.Equal(t, "a2", mine[1].Name)

	none, err := repo.ListInstances(ctx, "carol")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestProfileUpsertKeepsAdminFlag(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)

	missing, err := repo.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	now := time.Now()
	require.NoError(t, repo.UpsertProfile(ctx, &domain.Profile{UserID: "u1", Email: "a@x.io", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, repo.SetAdmin(ctx, "u1", true))
	require.NoError(t, repo.UpsertProfile(ctx, &domain.Profile{UserID: "u1", Email: "b@x.io", CreatedAt: now, UpdatedAt: now}))

	p, err := repo.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "b@x.io", p.Email)
	assert.True(t, p.IsAdmin)
	assert.Equal(t, domain.RoleAdmin, p.Role())

	assert.ErrorIs(t, repo.SetAdmin(ctx, "ghost", true), ErrNotFound)
}

func TestPing(t *testing.T) {
	repo := newTestStore(t)
	assert.NoError(t, repo.Ping(context.Background()))
}
