package serve

import (
	"context"
	"fmt"

	"github.com/servehq/serve-sdk-go/internal/client/models"
	"github.com/servehq/serve-sdk-go/internal/client/rotation"
	"github.com/servehq/serve-sdk-go/internal/common"
	"github.com/servehq/serve-sdk-go/internal/cryptox"
)

// CreateTeam generates a fresh team key, wraps it for the creating
// user, and registers the team. The creator becomes owner; the
// plaintext key is cached so the owner can use the team immediately.
func (c *Client) CreateTeam(ctx context.Context, name, description string) (string, error) {
	id, err := c.requireIdentity()
	if err != nil {
		return "", fmt.Errorf("create team: %w", err)
	}

	teamKey, err := cryptox.GenerateSymmetricKey()
	if err != nil {
		return "", fmt.Errorf("create team: %w", err)
	}
	defer common.WipeByteArray(teamKey)

	wrapped, err := cryptox.WrapKey(teamKey, id.PublicKey)
	if err != nil {
		return "", fmt.Errorf("create team: wrap team key: %w", err)
	}

	teamID, err := c.api.CreateTeam(ctx, name, description, id.UserID, wrapped)
	if err != nil {
		return "", fmt.Errorf("create team %q: %w", name, err)
	}

	c.keys.Put(teamID, teamKey)
	return teamID, nil
}

// ListTeams lists the teams the logged-in user belongs to.
func (c *Client) ListTeams(ctx context.Context) ([]*models.Team, error) {
	id, err := c.requireIdentity()
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	teams, err := c.api.ListTeams(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return teams, nil
}

// DeleteTeam removes the team and drops its cached key.
func (c *Client) DeleteTeam(ctx context.Context, teamID string) error {
	if _, err := c.requireIdentity(); err != nil {
		return fmt.Errorf("delete team: %w", err)
	}
	if err := c.api.DeleteTeam(ctx, teamID); err != nil {
		return fmt.Errorf("delete team %s: %w", teamID, err)
	}
	c.keys.Invalidate(teamID)
	return nil
}

// InviteMember grants email access to the team: the inviter's team key
// is rewrapped under the invitee's public key and stored server-side.
// The inviter must hold the team key, so admins cannot invite on teams
// they administer but do not belong to as members.
func (c *Client) InviteMember(ctx context.Context, teamID, email string) error {
	teamKey, err := c.ensureTeamKey(ctx, teamID)
	if err != nil {
		return fmt.Errorf("invite %s to team %s: %w", email, teamID, err)
	}

	pubPEM, err := c.api.GetUserPublicKey(ctx, email)
	if err != nil {
		return fmt.Errorf("invite %s to team %s: %w", email, teamID, err)
	}
	pub, err := cryptox.ParsePublicKey(pubPEM)
	if err != nil {
		return fmt.Errorf("invite %s to team %s: %w", email, teamID, err)
	}

	wrapped, err := cryptox.WrapKey(teamKey, pub)
	if err != nil {
		return fmt.Errorf("invite %s to team %s: wrap team key: %w", email, teamID, err)
	}

	if err := c.api.InviteMember(ctx, teamID, email, wrapped); err != nil {
		return fmt.Errorf("invite %s to team %s: %w", email, teamID, err)
	}
	return nil
}

// ListMembers lists the team's membership rows.
func (c *Client) ListMembers(ctx context.Context, teamID string) ([]*models.Member, error) {
	if _, err := c.requireIdentity(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members, err := c.api.ListMembers(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members of team %s: %w", teamID, err)
	}
	return members, nil
}

// UpdateMemberRole changes a member's role. Promoting to ADMIN does not
// revoke an existing key grant; demote-and-rotate when that matters.
func (c *Client) UpdateMemberRole(ctx context.Context, teamID, targetUserID string, role models.Role) error {
	if _, err := c.requireIdentity(); err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	if err := c.api.UpdateMemberRole(ctx, teamID, targetUserID, role); err != nil {
		return fmt.Errorf("update role of %s in team %s: %w", targetUserID, teamID, err)
	}
	return nil
}

// KickMember removes targetUserID from the team. When the server flags
// the removal as requiring rotation (the target was a MEMBER and could
// decrypt), autoRotate controls whether the rotation runs immediately;
// with autoRotate off the kick still happens and the caller is expected
// to run RotateTeamKey soon.
//
// The old team key is acquired before the kick: once the member is
// gone the kicker may be the only holder able to unwrap document DEKs.
// The kick is never rolled back; errors after it report how far the
// rotation got. A *common.PartialFailureError means the key rotated but
// some documents still need ResumeReencryption; the retiring key is
// retained for that until the rewrap completes.
func (c *Client) KickMember(ctx context.Context, teamID, targetUserID string, autoRotate bool) (*rotation.Outcome, error) {
	if _, err := c.requireIdentity(); err != nil {
		return nil, fmt.Errorf("kick member: %w", err)
	}

	var oldKey []byte
	if autoRotate {
		var err error
		if oldKey, err = c.ensureTeamKey(ctx, teamID); err != nil {
			return nil, fmt.Errorf("kick member %s from team %s: need current team key to rotate: %w",
				targetUserID, teamID, err)
		}
		defer common.WipeByteArray(oldKey)
	}

	out, newKey, err := c.rotator.KickAndRotate(ctx, teamID, targetUserID, oldKey, autoRotate)
	c.finishRotation(teamID, oldKey, newKey, err)
	if err != nil {
		return out, fmt.Errorf("kick member %s from team %s: %w", targetUserID, teamID, err)
	}
	return out, nil
}

// RotateTeamKey rotates the team key against the current membership,
// for example after a kick that ran with autoRotate disabled. The
// caller must still hold the retiring key (cached or grantable).
func (c *Client) RotateTeamKey(ctx context.Context, teamID string) (*rotation.Outcome, error) {
	if _, err := c.requireIdentity(); err != nil {
		return nil, fmt.Errorf("rotate team key: %w", err)
	}
	oldKey, err := c.ensureTeamKey(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("rotate team key for %s: %w", teamID, err)
	}
	defer common.WipeByteArray(oldKey)

	out, newKey, err := c.rotator.Rotate(ctx, teamID, oldKey)
	c.finishRotation(teamID, oldKey, newKey, err)
	if err != nil {
		return out, fmt.Errorf("rotate team key for %s: %w", teamID, err)
	}
	return out, nil
}

// finishRotation settles session key state after a rotation attempt. A
// non-nil newKey means the server committed the swap, so it becomes the
// cached key. When the document rewrap did not finish the retiring key
// is retained so ResumeReencryption can still open the stale wrappers;
// on full success any retained key is dropped.
func (c *Client) finishRotation(teamID string, oldKey, newKey []byte, err error) {
	if newKey == nil {
		return
	}
	c.keys.Put(teamID, newKey)
	common.WipeByteArray(newKey)
	if err != nil {
		c.retired.Put(teamID, oldKey)
		return
	}
	c.retired.Invalidate(teamID)
}

// ResumeReencryption re-runs the document rewrap stage after a rotation
// that committed the key swap but failed before every document wrapper
// was rewritten. Both keys involved are still held by this session: the
// new key in the regular cache, the retired one kept aside by the
// rotation that partially failed. Idempotent; the retained key is
// dropped once every document opens under the new key.
func (c *Client) ResumeReencryption(ctx context.Context, teamID string) error {
	newKey, ok := c.keys.Get(teamID)
	if !ok {
		return fmt.Errorf("resume reencryption for team %s: no cached team key: %w", teamID, common.ErrNotFound)
	}
	defer common.WipeByteArray(newKey)
	oldKey, ok := c.retired.Get(teamID)
	if !ok {
		return fmt.Errorf("resume reencryption for team %s: no pending rotation holds the retired key: %w",
			teamID, common.ErrNotFound)
	}
	defer common.WipeByteArray(oldKey)

	if err := c.rotator.ResumeReencryption(ctx, teamID, oldKey, newKey); err != nil {
		return fmt.Errorf("resume reencryption for team %s: %w", teamID, err)
	}
	c.retired.Invalidate(teamID)
	return nil
}
