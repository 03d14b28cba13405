// Package transport defines the authenticated request/response boundary
// between the client core and the Serve server, plus two
// implementations: a REST/JSON client and an in-process server used by
// tests and local demos.
//
// The wire format and auth plumbing are this package's concern only;
// the rest of the SDK sees the Client interface and the error taxonomy
// in internal/common.
package transport

import (
	"context"

	"github.com/servehq/serve-sdk-go/internal/client/models"
)

// Client is the operation surface the security core requires from the
// server. Every method honors context cancellation. Errors are mapped to
// the sentinels in internal/common: 401 -> ErrNotAuthenticated /
// ErrInvalidCredentials, 403 -> ErrAccessDenied, 404 -> ErrNotFound,
// 409 -> ErrConflict, network failures and 5xx -> ErrTransport.
type Client interface {
	Close() error
	Ping(ctx context.Context) error

	// Accounts.
	Signup(ctx context.Context, email, password, publicKey string, encryptedPrivateKey []byte) error
	Login(ctx context.Context, email, password string) (*models.LoginResult, error)
	ResetPassword(ctx context.Context, email, newPassword string, newEncryptedPrivateKey []byte) error
	Withdraw(ctx context.Context) error
	GetUserPublicKey(ctx context.Context, email string) (string, error)

	// Teams and membership.
	CreateTeam(ctx context.Context, name, description, ownerID string, ownerWrappedTeamKey []byte) (string, error)
	ListTeams(ctx context.Context, userID string) ([]*models.Team, error)
	DeleteTeam(ctx context.Context, teamID string) error
	GetWrappedTeamKey(ctx context.Context, teamID, userID string) ([]byte, error)
	InviteMember(ctx context.Context, teamID, email string, wrappedTeamKey []byte) error
	ListMembers(ctx context.Context, teamID string) ([]*models.Member, error)
	UpdateMemberRole(ctx context.Context, teamID, targetUserID string, role models.Role) error
	KickMember(ctx context.Context, teamID, targetUserID string) (*models.KickResult, error)

	// Rotation control plane.
	RotateTeamKeys(ctx context.Context, teamID string, keys []*models.MemberKey) error
	ReencryptDocumentKeys(ctx context.Context, teamID string, keys []*models.DocumentKey) error

	// Documents and chunks. wrappedDEK is required on the first upload
	// for a file name (it creates the document) and ignored afterwards.
	UploadChunks(ctx context.Context, teamID, fileName, fileType string, chunks []*models.ChunkUpload, wrappedDEK []byte) error
	SyncTeamChunks(ctx context.Context, teamID string, lastVersion int64) ([]*models.ChunkDelta, error)
	GetDocuments(ctx context.Context, teamID string) ([]*models.Document, error)
	DeleteChunk(ctx context.Context, documentID string, chunkIndex int) error
	DeleteDocument(ctx context.Context, teamID, documentID string) error
}
