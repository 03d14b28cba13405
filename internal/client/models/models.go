// Package models defines the data types exchanged with the Serve server.
// Every payload field is either metadata or ciphertext; plaintext and
// unwrapped keys never appear here.
package models

// Role is a member's role inside a team. Admins manage membership and
// metadata but are structurally denied the team key (Federated Model):
// they can never decrypt member data.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Team is a repository shared by a set of members. A team has exactly
// one active team key at any time, identified implicitly as "current".
type Team struct {
	ID          string `json:"teamId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	OwnerID     string `json:"ownerId"`
}

// Member is a membership row. WrappedTeamKey is the team's current key
// wrapped under this member's public key; it is rewritten on rotation
// and absent (unusable) for ADMIN rows.
type Member struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	PublicKey string `json:"publicKey"`
}

// RemainingMember is the projection the server returns from a kick: the
// members still in the team, with the public keys needed to rewrap the
// new team key for them.
type RemainingMember struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

// KickResult is the server's response to a member kick.
type KickResult struct {
	KeyRotationRequired bool              `json:"keyRotationRequired"`
	RemainingMembers    []RemainingMember `json:"remainingMembers"`
}

// MemberKey pairs a member with the new team key wrapped for them;
// submitted in a batch during rotation.
type MemberKey struct {
	UserID     string `json:"userId"`
	WrappedKey []byte `json:"wrappedKey"`
}

// Document is per-file metadata. EncryptedDEK is the document's data
// encryption key wrapped under the team's current key; it is the only
// field ever rewritten (on rotation). The DEK itself never changes.
type Document struct {
	ID            string `json:"docId"`
	TeamID        string `json:"teamId"`
	FileName      string `json:"fileName"`
	FileType      string `json:"fileType"`
	EncryptedDEK  []byte `json:"encryptedDEK"`
	UploaderEmail string `json:"uploaderEmail"`
}

// DocumentKey pairs a document with its DEK rewrapped under a new team
// key; submitted in a batch after rotation.
type DocumentKey struct {
	DocumentID    string `json:"documentId"`
	NewWrappedDEK []byte `json:"newWrappedDEK"`
}

// ChunkUpload is one encrypted chunk in an upload batch.
type ChunkUpload struct {
	ChunkIndex    int    `json:"chunkIndex"`
	EncryptedBlob []byte `json:"encryptedBlob"`
}

// ChunkDelta is one row of an incremental sync response. Version is a
// per-team counter assigned by the server on every write. Tombstones
// (IsDeleted) carry no payload and are retained forever so deletes
// propagate to every replica.
type ChunkDelta struct {
	DocumentID    string `json:"documentId"`
	ChunkIndex    int    `json:"chunkIndex"`
	EncryptedBlob []byte `json:"encryptedBlob,omitempty"`
	Version       int64  `json:"version"`
	IsDeleted     bool   `json:"isDeleted"`
}

// LoginResult is what the server returns on a successful login. The
// private key arrives encrypted under the user's password; only the
// client can open it.
type LoginResult struct {
	AccessToken         string `json:"accessToken"`
	UserID              string `json:"userId"`
	Email               string `json:"email"`
	EncryptedPrivateKey []byte `json:"encryptedPrivateKey"`
}
