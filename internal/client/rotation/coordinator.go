// Package rotation orchestrates the team-key rotation that follows a
// member kick: issue a new team key, rewrap it for every remaining
// member, commit the grant swap, then rewrap every document DEK from
// the old key to the new one.
//
// Membership removal is irreversible and independent of rotation
// success: a failure anywhere after the kick reports the reached stage
// but never rolls the kick back. Chunk payloads are never touched, only
// the small DEK wrappers, so rotation cost does not grow with data
// volume.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/servehq/serve-sdk-go/internal/client/models"
	"github.com/servehq/serve-sdk-go/internal/client/transport"
	"github.com/servehq/serve-sdk-go/internal/common"
	"github.com/servehq/serve-sdk-go/internal/cryptox"
	"github.com/servehq/serve-sdk-go/internal/logging"
)

// Stage is how far a rotation progressed. On error the Outcome carries
// the stage that was executing when the rotation stopped.
type Stage string

const (
	StageIdle                  Stage = "idle"
	StageKicking               Stage = "kicking"
	StageNewKeyIssued          Stage = "new_key_issued"
	StageMembersRewrapped      Stage = "members_rewrapped"
	StageServerCommitted       Stage = "server_committed"
	StageDocumentsReencrypting Stage = "documents_reencrypting"
	StageDone                  Stage = "done"
)

// maxCommitAttempts bounds restarts after a compare-and-swap conflict
// (two admins rotating the same team concurrently).
const maxCommitAttempts = 3

// Outcome reports what a kick-and-rotate achieved.
type Outcome struct {
	Stage               Stage
	KeyRotationRequired bool
	Rotated             bool
	RemainingMembers    []models.RemainingMember
	SkippedDocumentIDs  []string
}

// Coordinator serializes rotations per team and drives the state
// machine. It does not own the key cache; the facade updates it from
// the returned new key.
type Coordinator struct {
	api transport.Client
	log logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(api transport.Client, log logging.Logger) *Coordinator {
	return &Coordinator{api: api, log: log, locks: make(map[string]*sync.Mutex)}
}

// teamLock returns the mutex serializing rotations for one team.
func (c *Coordinator) teamLock(teamID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[teamID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[teamID] = l
	}
	return l
}

// KickAndRotate removes targetUserID from the team and, when the server
// flags rotation as required and autoRotate is set, rotates the team
// key. oldTeamKey must be the caller's copy of the key being retired;
// it is needed to unwrap document DEKs in the final stage.
//
// Returns the outcome, the new team key (nil when no rotation
// happened), and an error. A *common.PartialFailureError means the key
// is rotated but some document wrappers still need ResumeReencryption.
func (c *Coordinator) KickAndRotate(ctx context.Context, teamID, targetUserID string, oldTeamKey []byte, autoRotate bool) (*Outcome, []byte, error) {
	lock := c.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	out := &Outcome{Stage: StageKicking}

	res, err := c.api.KickMember(ctx, teamID, targetUserID)
	if err != nil {
		return out, nil, fmt.Errorf("kick member %s from team %s: %w", targetUserID, teamID, err)
	}
	out.KeyRotationRequired = res.KeyRotationRequired
	out.RemainingMembers = res.RemainingMembers

	if !res.KeyRotationRequired {
		out.Stage = StageDone
		return out, nil, nil
	}
	if !autoRotate {
		// Degraded but successful kick: the caller chose to rotate
		// manually via Rotate later.
		c.log.Warn(ctx, "member kicked without key rotation; team key remains compromised until rotated",
			"team", teamID, "kicked", targetUserID)
		out.Stage = StageDone
		return out, nil, nil
	}

	newKey, err := c.rotate(ctx, teamID, res.RemainingMembers, out)
	if err != nil {
		return out, nil, err
	}

	skipped, err := c.reencryptDocuments(ctx, teamID, oldTeamKey, newKey)
	out.SkippedDocumentIDs = skipped
	if err != nil {
		// The key swap is committed; only document rewrap is pending.
		return out, newKey, fmt.Errorf("reencrypt documents in team %s: %w", teamID, err)
	}

	out.Stage = StageDone
	out.Rotated = true
	if len(skipped) > 0 {
		return out, newKey, &common.PartialFailureError{TeamID: teamID, SkippedDocumentIDs: skipped}
	}
	return out, newKey, nil
}

// Rotate performs a standalone rotation against a fresh member
// snapshot, for callers that kicked with autoRotate disabled or need to
// re-run after a conflict. Returns the new team key.
func (c *Coordinator) Rotate(ctx context.Context, teamID string, oldTeamKey []byte) (*Outcome, []byte, error) {
	lock := c.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	out := &Outcome{Stage: StageIdle, KeyRotationRequired: true}

	members, err := c.memberSnapshot(ctx, teamID)
	if err != nil {
		return out, nil, err
	}
	out.RemainingMembers = members

	newKey, err := c.rotate(ctx, teamID, members, out)
	if err != nil {
		return out, nil, err
	}

	skipped, err := c.reencryptDocuments(ctx, teamID, oldTeamKey, newKey)
	out.SkippedDocumentIDs = skipped
	if err != nil {
		return out, newKey, fmt.Errorf("reencrypt documents in team %s: %w", teamID, err)
	}

	out.Stage = StageDone
	out.Rotated = true
	if len(skipped) > 0 {
		return out, newKey, &common.PartialFailureError{TeamID: teamID, SkippedDocumentIDs: skipped}
	}
	return out, newKey, nil
}

// rotate runs stages NewKeyIssued through ServerCommitted, restarting
// with a fresh snapshot and a fresh key on a compare-and-swap conflict.
func (c *Coordinator) rotate(ctx context.Context, teamID string, members []models.RemainingMember, out *Outcome) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		newKey, err := cryptox.GenerateSymmetricKey()
		if err != nil {
			return nil, err
		}
		out.Stage = StageNewKeyIssued

		wraps, err := wrapForMembers(newKey, members)
		if err != nil {
			return nil, fmt.Errorf("rewrap team key for team %s: %w", teamID, err)
		}
		out.Stage = StageMembersRewrapped

		err = c.api.RotateTeamKeys(ctx, teamID, wraps)
		if err == nil {
			out.Stage = StageServerCommitted
			out.RemainingMembers = members
			c.log.Info(ctx, "team key rotation committed", "team", teamID, "members", len(members), "attempt", attempt)
			out.Stage = StageDocumentsReencrypting
			return newKey, nil
		}
		if !errors.Is(err, common.ErrConflict) || attempt >= maxCommitAttempts {
			return nil, fmt.Errorf("commit rotation for team %s: %w", teamID, err)
		}

		// Superseded member list: a concurrent membership change won
		// the race. Blindly resubmitting the same wrap list would grant
		// the new key to exactly the wrong set, so restart from a fresh
		// snapshot with a fresh key.
		c.log.Warn(ctx, "rotation conflict, restarting with fresh member snapshot", "team", teamID, "attempt", attempt)
		common.WipeByteArray(newKey)
		if members, err = c.memberSnapshot(ctx, teamID); err != nil {
			return nil, err
		}
	}
}

// ResumeReencryption re-runs the DocumentsReencrypting stage against
// all documents of the team. Safe to call repeatedly: documents already
// wrapped under newKey are left alone.
func (c *Coordinator) ResumeReencryption(ctx context.Context, teamID string, oldTeamKey, newTeamKey []byte) error {
	lock := c.teamLock(teamID)
	lock.Lock()
	defer lock.Unlock()

	skipped, err := c.reencryptDocuments(ctx, teamID, oldTeamKey, newTeamKey)
	if err != nil {
		return fmt.Errorf("reencrypt documents in team %s: %w", teamID, err)
	}
	if len(skipped) > 0 {
		return &common.PartialFailureError{TeamID: teamID, SkippedDocumentIDs: skipped}
	}
	return nil
}

// reencryptDocuments rewraps every document DEK from oldKey to newKey.
// Documents whose DEK opens under neither key are skipped and logged;
// they are unreadable regardless and must not sink the batch.
func (c *Coordinator) reencryptDocuments(ctx context.Context, teamID string, oldKey, newKey []byte) ([]string, error) {
	docs, err := c.api.GetDocuments(ctx, teamID)
	if err != nil {
		return nil, err
	}

	var updates []*models.DocumentKey
	var skipped []string
	for _, d := range docs {
		if _, err := cryptox.UnwrapKeyWithKey(d.EncryptedDEK, newKey); err == nil {
			continue // already rewrapped (resumed run)
		}
		dek, err := cryptox.UnwrapKeyWithKey(d.EncryptedDEK, oldKey)
		if err != nil {
			c.log.Warn(ctx, "skipping document: DEK does not unwrap under the retiring team key",
				"team", teamID, "document", d.ID)
			skipped = append(skipped, d.ID)
			continue
		}
		wrapped, err := cryptox.WrapKeyWithKey(dek, newKey)
		common.WipeByteArray(dek)
		if err != nil {
			return skipped, err
		}
		updates = append(updates, &models.DocumentKey{DocumentID: d.ID, NewWrappedDEK: wrapped})
	}

	if len(updates) > 0 {
		if err := c.api.ReencryptDocumentKeys(ctx, teamID, updates); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

// memberSnapshot lists the team's current MEMBER rows. Only MEMBER rows
// receive grants on rotation; ADMIN rows are structurally excluded.
func (c *Coordinator) memberSnapshot(ctx context.Context, teamID string) ([]models.RemainingMember, error) {
	all, err := c.api.ListMembers(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members of team %s: %w", teamID, err)
	}
	out := make([]models.RemainingMember, 0, len(all))
	for _, m := range all {
		if m.Role == models.RoleMember {
			out = append(out, models.RemainingMember{UserID: m.UserID, PublicKey: m.PublicKey})
		}
	}
	return out, nil
}

func wrapForMembers(newKey []byte, members []models.RemainingMember) ([]*models.MemberKey, error) {
	wraps := make([]*models.MemberKey, 0, len(members))
	for _, m := range members {
		pub, err := cryptox.ParsePublicKey(m.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.UserID, err)
		}
		blob, err := cryptox.WrapKey(newKey, pub)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.UserID, err)
		}
		wraps = append(wraps, &models.MemberKey{UserID: m.UserID, WrappedKey: blob})
	}
	return wraps, nil
}
