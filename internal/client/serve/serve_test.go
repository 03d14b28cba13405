package serve_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servehq/serve-sdk-go/internal/client/models"
	"github.com/servehq/serve-sdk-go/internal/client/serve"
	"github.com/servehq/serve-sdk-go/internal/client/syncx"
	"github.com/servehq/serve-sdk-go/internal/client/transport"
	"github.com/servehq/serve-sdk-go/internal/common"
)

// newActor signs a fresh user up on srv and returns a logged-in client.
func newActor(t *testing.T, srv *transport.Memory, email string, opts ...serve.Option) *serve.Client {
	t.Helper()
	c := serve.New(srv.Client(), opts...)
	require.NoError(t, c.Signup(context.Background(), email, []byte("pass-"+email)))
	require.NoError(t, c.Login(context.Background(), email, []byte("pass-"+email)))
	return c
}

// newTeamWithMember sets up the common fixture: owner creates a team and
// invites member into it.
func newTeamWithMember(t *testing.T, srv *transport.Memory, teamName string) (owner, member *serve.Client, teamID string) {
	t.Helper()
	ctx := context.Background()
	owner = newActor(t, srv, teamName+"-owner@example.com")
	member = newActor(t, srv, teamName+"-member@example.com")

	teamID, err := owner.CreateTeam(ctx, teamName, "")
	require.NoError(t, err)
	require.NoError(t, owner.InviteMember(ctx, teamID, teamName+"-member@example.com"))
	return owner, member, teamID
}

func TestEndToEnd_UploadSyncVersioning(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	_, member, teamID := newTeamWithMember(t, srv, "T1")

	// First write in a fresh team gets version 0.
	err := member.UploadChunks(ctx, teamID, "d.json", "application/json", []serve.PlainChunk{
		{Index: 0, Data: []byte("hello")},
	})
	require.NoError(t, err)

	reader := newActor(t, srv, "reader@example.com")
	require.NoError(t, member.InviteMember(ctx, teamID, "reader@example.com"))

	delta, err := reader.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, delta.Chunks, 1)
	assert.Equal(t, []byte("hello"), delta.Chunks[0].Data)
	assert.Equal(t, int64(0), delta.Chunks[0].Version)
	assert.Equal(t, int64(0), reader.Watermark(teamID))

	// Overwriting the same chunk bumps the per-team version.
	err = member.UploadChunks(ctx, teamID, "d.json", "application/json", []serve.PlainChunk{
		{Index: 0, Data: []byte("hello v2")},
	})
	require.NoError(t, err)

	delta, err = reader.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, delta.Chunks, 1)
	assert.Equal(t, []byte("hello v2"), delta.Chunks[0].Data)
	assert.Equal(t, int64(1), delta.Chunks[0].Version)
	assert.Equal(t, int64(1), reader.Watermark(teamID))
}

func TestSyncTeam_Idempotent(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	_, member, teamID := newTeamWithMember(t, srv, "idem")

	require.NoError(t, member.UploadChunks(ctx, teamID, "a.bin", "application/octet-stream", []serve.PlainChunk{
		{Index: 0, Data: []byte("one")},
		{Index: 1, Data: []byte("two")},
	}))

	first, err := member.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, first.Chunks, 2)

	// Nothing changed server-side, so a second sync is empty and the
	// watermark does not move.
	second, err := member.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	assert.Empty(t, second.Chunks)
	assert.Equal(t, first.Watermark, second.Watermark)
}

func TestSyncTeam_TombstonePropagates(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	_, member, teamID := newTeamWithMember(t, srv, "tomb")

	require.NoError(t, member.UploadChunks(ctx, teamID, "a.bin", "bin", []serve.PlainChunk{
		{Index: 0, Data: []byte("payload")},
	}))

	other := newActor(t, srv, "other@example.com")
	require.NoError(t, member.InviteMember(ctx, teamID, "other@example.com"))
	delta, err := other.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, delta.Chunks, 1)
	docID := delta.Chunks[0].DocumentID

	require.NoError(t, member.DeleteChunk(ctx, docID, 0))

	delta, err = other.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, delta.Chunks, 1)
	assert.True(t, delta.Chunks[0].IsDeleted)
	assert.Nil(t, delta.Chunks[0].Data)
	assert.Equal(t, int64(1), delta.Chunks[0].Version)
}

func TestAdmin_CannotObtainTeamKey(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	_, member, teamID := newTeamWithMember(t, srv, "fed")

	require.NoError(t, member.UploadChunks(ctx, teamID, "s.txt", "txt", []serve.PlainChunk{
		{Index: 0, Data: []byte("secret")},
	}))

	// A fresh session for the owner has no cached key, and the server
	// never serves a grant to an ADMIN row.
	adminAgain := serve.New(srv.Client())
	require.NoError(t, adminAgain.Login(ctx, "fed-owner@example.com", []byte("pass-fed-owner@example.com")))

	_, err := adminAgain.SyncTeam(ctx, teamID)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	assert.Equal(t, 0, adminAgain.CachedTeamKeys())

	// The admin still manages membership.
	members, err := adminAgain.ListMembers(ctx, teamID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestKickMember_RotatesAndRevokes(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	owner, member, teamID := newTeamWithMember(t, srv, "rev")

	victim := newActor(t, srv, "victim@example.com")
	require.NoError(t, member.InviteMember(ctx, teamID, "victim@example.com"))

	require.NoError(t, member.UploadChunks(ctx, teamID, "d.txt", "txt", []serve.PlainChunk{
		{Index: 0, Data: []byte("before kick")},
	}))

	// Victim syncs once so their cache holds the soon-to-be-old key.
	_, err := victim.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Equal(t, 1, victim.CachedTeamKeys())

	victimID := victim.UserID()
	out, err := owner.KickMember(ctx, teamID, victimID, true)
	require.NoError(t, err)
	assert.True(t, out.KeyRotationRequired)
	assert.True(t, out.Rotated)
	assert.Empty(t, out.SkippedDocumentIDs)
	require.Len(t, out.RemainingMembers, 1)
	assert.NotEqual(t, victimID, out.RemainingMembers[0].UserID)

	// The kicked member's token still works and ciphertext still flows,
	// but nothing decrypts under the retired key.
	victim.SetWatermark(teamID, -1)
	_, err = victim.SyncTeam(ctx, teamID)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailure)

	// The kicked member holds no grant for a fresh key either.
	victim.InvalidateTeamKey(teamID)
	_, err = victim.SyncTeam(ctx, teamID)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	// The surviving member picks up the new grant after dropping the
	// stale cache entry and reads everything, old uploads included.
	member.InvalidateTeamKey(teamID)
	member.SetWatermark(teamID, -1)
	delta, err := member.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, delta.Chunks, 1)
	assert.Equal(t, []byte("before kick"), delta.Chunks[0].Data)
}

// rewrapFlakyClient fails ReencryptDocumentKeys a set number of times
// before delegating, leaving a committed key swap with stale document
// wrappers behind.
type rewrapFlakyClient struct {
	transport.Client
	failures int
}

func (c *rewrapFlakyClient) ReencryptDocumentKeys(ctx context.Context, teamID string, keys []*models.DocumentKey) error {
	if c.failures > 0 {
		c.failures--
		return fmt.Errorf("submit rewrapped keys: %w", common.ErrTransport)
	}
	return c.Client.ReencryptDocumentKeys(ctx, teamID, keys)
}

func TestKickMember_ResumeAfterRewrapFailure(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()

	flaky := &rewrapFlakyClient{Client: srv.Client(), failures: 1}
	owner := serve.New(flaky)
	require.NoError(t, owner.Signup(ctx, "res-owner@example.com", []byte("pw")))
	require.NoError(t, owner.Login(ctx, "res-owner@example.com", []byte("pw")))

	member := newActor(t, srv, "res-member@example.com")
	victim := newActor(t, srv, "res-victim@example.com")

	teamID, err := owner.CreateTeam(ctx, "res", "")
	require.NoError(t, err)
	require.NoError(t, owner.InviteMember(ctx, teamID, "res-member@example.com"))
	require.NoError(t, owner.InviteMember(ctx, teamID, "res-victim@example.com"))

	require.NoError(t, member.UploadChunks(ctx, teamID, "d.txt", "txt", []serve.PlainChunk{
		{Index: 0, Data: []byte("pre-kick")},
	}))

	// The kick and the key swap go through; the document rewrap does not.
	_, err = owner.KickMember(ctx, teamID, victim.UserID(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrTransport)

	// Survivors now hold a grant for the new key while the document DEK
	// is still wrapped under the retired one: ciphertext is unreadable.
	member.InvalidateTeamKey(teamID)
	member.SetWatermark(teamID, -1)
	_, err = member.SyncTeam(ctx, teamID)
	assert.ErrorIs(t, err, common.ErrAuthenticationFailure)

	// The kicker's session kept the retired key, so the rewrap completes
	// without any caller-supplied material.
	require.NoError(t, owner.ResumeReencryption(ctx, teamID))

	member.InvalidateTeamKey(teamID)
	member.SetWatermark(teamID, -1)
	delta, err := member.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, delta.Chunks, 1)
	assert.Equal(t, []byte("pre-kick"), delta.Chunks[0].Data)

	// Completion drops the retained key; nothing is pending anymore.
	err = owner.ResumeReencryption(ctx, teamID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestKickMember_AdminKick_NoRotation(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	owner, member, teamID := newTeamWithMember(t, srv, "adminkick")

	second := newActor(t, srv, "second-admin@example.com")
	require.NoError(t, member.InviteMember(ctx, teamID, "second-admin@example.com"))
	secondID := second.UserID()
	require.NoError(t, owner.UpdateMemberRole(ctx, teamID, secondID, "ADMIN"))

	// Kicking an admin never requires rotation: the row held no usable
	// key grant.
	out, err := owner.KickMember(ctx, teamID, secondID, true)
	require.NoError(t, err)
	assert.False(t, out.KeyRotationRequired)
	assert.False(t, out.Rotated)
}

func TestKickMember_ManualRotation(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	owner, member, teamID := newTeamWithMember(t, srv, "manual")

	victim := newActor(t, srv, "manual-victim@example.com")
	require.NoError(t, member.InviteMember(ctx, teamID, "manual-victim@example.com"))

	out, err := owner.KickMember(ctx, teamID, victim.UserID(), false)
	require.NoError(t, err)
	assert.True(t, out.KeyRotationRequired)
	assert.False(t, out.Rotated)

	// The deferred rotation still works against the fresh member list.
	out, err = owner.RotateTeamKey(ctx, teamID)
	require.NoError(t, err)
	assert.True(t, out.Rotated)

	member.InvalidateTeamKey(teamID)
	require.NoError(t, member.UploadChunks(ctx, teamID, "post.txt", "txt", []serve.PlainChunk{
		{Index: 0, Data: []byte("after rotation")},
	}))
}

func TestDownloadChunks_LatestStateWins(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	_, member, teamID := newTeamWithMember(t, srv, "dl")

	require.NoError(t, member.UploadChunks(ctx, teamID, "book.txt", "txt", []serve.PlainChunk{
		{Index: 0, Data: []byte("chapter one")},
		{Index: 1, Data: []byte("chapter two")},
		{Index: 2, Data: []byte("chapter three")},
	}))
	require.NoError(t, member.UploadChunks(ctx, teamID, "book.txt", "txt", []serve.PlainChunk{
		{Index: 1, Data: []byte("chapter two, revised")},
	}))

	docs, err := member.GetDocuments(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.NoError(t, member.DeleteChunk(ctx, docs[0].ID, 2))

	chunks, err := member.DownloadChunks(ctx, teamID, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, []byte("chapter one"), chunks[0].Data)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, []byte("chapter two, revised"), chunks[1].Data)

	_, err = member.DownloadChunks(ctx, teamID, "no-such-document")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeleteDocument_TombstonesPropagate(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	_, member, teamID := newTeamWithMember(t, srv, "deldoc")

	require.NoError(t, member.UploadChunks(ctx, teamID, "gone.txt", "txt", []serve.PlainChunk{
		{Index: 0, Data: []byte("part one")},
		{Index: 1, Data: []byte("part two")},
	}))

	other := newActor(t, srv, "deldoc-other@example.com")
	require.NoError(t, member.InviteMember(ctx, teamID, "deldoc-other@example.com"))
	delta, err := other.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, delta.Chunks, 2)
	docID := delta.Chunks[0].DocumentID

	require.NoError(t, member.DeleteDocument(ctx, teamID, docID))

	docs, err := member.GetDocuments(ctx, teamID)
	require.NoError(t, err)
	assert.Empty(t, docs)

	// The replica that already applied the chunks receives one tombstone
	// per chunk on its next incremental sync.
	delta, err = other.SyncTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, delta.Chunks, 2)
	for _, ch := range delta.Chunks {
		assert.True(t, ch.IsDeleted)
		assert.Nil(t, ch.Data)
	}

	// The version history still names the document, but no live chunk
	// remains to reconstruct.
	chunks, err := member.DownloadChunks(ctx, teamID, docID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestUploadChunks_SharedDEKAcrossUploads(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	_, member, teamID := newTeamWithMember(t, srv, "dek")

	require.NoError(t, member.UploadChunks(ctx, teamID, "f.bin", "bin", []serve.PlainChunk{
		{Index: 0, Data: []byte("first")},
	}))
	require.NoError(t, member.UploadChunks(ctx, teamID, "f.bin", "bin", []serve.PlainChunk{
		{Index: 1, Data: []byte("second")},
	}))

	// Two uploads, one document: both chunks open under one DEK.
	docs, err := member.GetDocuments(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	chunks, err := member.DownloadChunks(ctx, teamID, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
}

func TestApplyFunc_AbortKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	_, member, teamID := newTeamWithMember(t, srv, "apply")

	require.NoError(t, member.UploadChunks(ctx, teamID, "x.bin", "bin", []serve.PlainChunk{
		{Index: 0, Data: []byte("zero")},
		{Index: 1, Data: []byte("one")},
	}))

	boom := errors.New("index full")
	calls := 0
	failing := serve.New(srv.Client(), serve.WithApplyFunc(func(_ context.Context, ch *syncx.Chunk) error {
		calls++
		if ch.ChunkIndex == 1 {
			return boom
		}
		return nil
	}))
	require.NoError(t, failing.Login(ctx, "apply-member@example.com", []byte("pass-apply-member@example.com")))

	_, err := failing.SyncTeam(ctx, teamID)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(-1), failing.Watermark(teamID))

	// The aborted batch is re-delivered untruncated on the next sync.
	calls = 0
	_, err = failing.SyncTeam(ctx, teamID)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestTeamLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	owner := newActor(t, srv, "life@example.com")

	id1, err := owner.CreateTeam(ctx, "alpha", "first")
	require.NoError(t, err)
	_, err = owner.CreateTeam(ctx, "beta", "second")
	require.NoError(t, err)

	_, err = owner.CreateTeam(ctx, "alpha", "dup")
	assert.ErrorIs(t, err, common.ErrConflict)

	teams, err := owner.ListTeams(ctx)
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "alpha", teams[0].Name)

	require.NoError(t, owner.DeleteTeam(ctx, id1))
	teams, err = owner.ListTeams(ctx)
	require.NoError(t, err)
	assert.Len(t, teams, 1)
	assert.Equal(t, 1, owner.CachedTeamKeys())
}
