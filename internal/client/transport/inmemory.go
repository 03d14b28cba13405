package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/servehq/serve-sdk-go/internal/client/models"
	"github.com/servehq/serve-sdk-go/internal/common"
)

// Memory is an in-process Serve server. It enforces the same contract
// the real server does: per-team monotonic versions, tombstoned deletes,
// membership rows with wrapped key grants, the Federated Model (ADMIN
// rows have no usable key grant), and compare-and-swap rotation.
//
// Ciphertext reads (sync, document listings) require only a valid token:
// in a zero-trust design possession of ciphertext grants nothing, so the
// access control that matters is key possession, and that is what the
// grant checks protect.
type Memory struct {
	mu     sync.Mutex
	users  map[string]*memUser // by email
	tokens map[string]*memUser
	teams  map[string]*memTeam // by id
}

type memUser struct {
	id                  string
	email               string
	password            string
	publicKey           string
	encryptedPrivateKey []byte
}

type memMember struct {
	userID         string
	role           models.Role
	wrappedTeamKey []byte
}

type memDocument struct {
	id           string
	fileName     string
	fileType     string
	encryptedDEK []byte
	uploaderID   string
}

type memChunk struct {
	docID   string
	index   int
	blob    []byte
	version int64
	deleted bool
}

type memTeam struct {
	id          string
	name        string
	description string
	ownerID     string
	members     map[string]*memMember   // by user id
	documents   map[string]*memDocument // by doc id
	chunks      []*memChunk
	lastVersion int64
}

func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string]*memUser),
		tokens: make(map[string]*memUser),
		teams:  make(map[string]*memTeam),
	}
}

// Client returns a transport client bound to this server with its own
// token, so several actors can talk to one server concurrently.
func (m *Memory) Client() *InMemoryClient {
	return &InMemoryClient{srv: m}
}

func (t *memTeam) nextVersion() int64 {
	t.lastVersion++
	return t.lastVersion
}

func (t *memTeam) findChunk(docID string, index int) *memChunk {
	for _, ch := range t.chunks {
		if ch.docID == docID && ch.index == index {
			return ch
		}
	}
	return nil
}

func (t *memTeam) findDocumentByName(fileName string) *memDocument {
	for _, d := range t.documents {
		if d.fileName == fileName {
			return d
		}
	}
	return nil
}

// InMemoryClient implements Client against a shared Memory server.
type InMemoryClient struct {
	srv *Memory

	mu    sync.Mutex
	token string
}

var _ Client = (*InMemoryClient)(nil)

func (c *InMemoryClient) Close() error { return nil }

func (c *InMemoryClient) Ping(_ context.Context) error { return nil }

func (c *InMemoryClient) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *InMemoryClient) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// caller resolves the requesting user; srv.mu must be held.
func (c *InMemoryClient) caller() (*memUser, error) {
	u, ok := c.srv.tokens[c.currentToken()]
	if !ok {
		return nil, fmt.Errorf("missing or unknown token: %w", common.ErrNotAuthenticated)
	}
	return u, nil
}

func (c *InMemoryClient) team(teamID string) (*memTeam, error) {
	t, ok := c.srv.teams[teamID]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", teamID, common.ErrNotFound)
	}
	return t, nil
}

func (c *InMemoryClient) Signup(_ context.Context, email, password, publicKey string, encryptedPrivateKey []byte) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, exists := c.srv.users[email]; exists {
		return fmt.Errorf("signup %s: %w", email, common.ErrConflict)
	}
	c.srv.users[email] = &memUser{
		id:                  uuid.NewString(),
		email:               email,
		password:            password,
		publicKey:           publicKey,
		encryptedPrivateKey: append([]byte(nil), encryptedPrivateKey...),
	}
	return nil
}

func (c *InMemoryClient) Login(_ context.Context, email, password string) (*models.LoginResult, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, ok := c.srv.users[email]
	if !ok || u.password != password {
		return nil, fmt.Errorf("login %s: %w", email, common.ErrInvalidCredentials)
	}
	token := uuid.NewString()
	c.srv.tokens[token] = u
	c.setToken(token)

	return &models.LoginResult{
		AccessToken:         token,
		UserID:              u.id,
		Email:               u.email,
		EncryptedPrivateKey: append([]byte(nil), u.encryptedPrivateKey...),
	}, nil
}

func (c *InMemoryClient) ResetPassword(_ context.Context, email, newPassword string, newEncryptedPrivateKey []byte) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, ok := c.srv.users[email]
	if !ok {
		return fmt.Errorf("reset password %s: %w", email, common.ErrNotFound)
	}
	u.password = newPassword
	u.encryptedPrivateKey = append([]byte(nil), newEncryptedPrivateKey...)
	return nil
}

func (c *InMemoryClient) Withdraw(_ context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	delete(c.srv.users, u.email)
	for tok, tu := range c.srv.tokens {
		if tu.id == u.id {
			delete(c.srv.tokens, tok)
		}
	}
	for _, t := range c.srv.teams {
		delete(t.members, u.id)
	}
	return nil
}

func (c *InMemoryClient) GetUserPublicKey(_ context.Context, email string) (string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, err := c.caller(); err != nil {
		return "", err
	}
	u, ok := c.srv.users[email]
	if !ok {
		return "", fmt.Errorf("public key for %s: %w", email, common.ErrNotFound)
	}
	return u.publicKey, nil
}

func (c *InMemoryClient) CreateTeam(_ context.Context, name, description, ownerID string, ownerWrappedTeamKey []byte) (string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, err := c.caller(); err != nil {
		return "", err
	}
	for _, t := range c.srv.teams {
		if t.name == name {
			return "", fmt.Errorf("team name %q: %w", name, common.ErrConflict)
		}
	}

	t := &memTeam{
		id:          uuid.NewString(),
		name:        name,
		description: description,
		ownerID:     ownerID,
		members:     make(map[string]*memMember),
		documents:   make(map[string]*memDocument),
		lastVersion: -1,
	}
	// The owner administers the team. The wrapped key is stored with the
	// row but an ADMIN grant is never served back (Federated Model).
	t.members[ownerID] = &memMember{
		userID:         ownerID,
		role:           models.RoleAdmin,
		wrappedTeamKey: append([]byte(nil), ownerWrappedTeamKey...),
	}
	c.srv.teams[t.id] = t
	return t.id, nil
}

func (c *InMemoryClient) ListTeams(_ context.Context, userID string) ([]*models.Team, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, err := c.caller(); err != nil {
		return nil, err
	}
	var out []*models.Team
	for _, t := range c.srv.teams {
		if _, ok := t.members[userID]; ok {
			out = append(out, &models.Team{ID: t.id, Name: t.name, Description: t.description, OwnerID: t.ownerID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *InMemoryClient) DeleteTeam(_ context.Context, teamID string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	t, err := c.team(teamID)
	if err != nil {
		return err
	}
	if t.ownerID != u.id {
		return fmt.Errorf("delete team %s: %w", teamID, common.ErrAccessDenied)
	}
	delete(c.srv.teams, teamID)
	return nil
}

func (c *InMemoryClient) GetWrappedTeamKey(_ context.Context, teamID, userID string) ([]byte, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, err := c.caller(); err != nil {
		return nil, err
	}
	t, err := c.team(teamID)
	if err != nil {
		return nil, err
	}
	m, ok := t.members[userID]
	if !ok {
		return nil, fmt.Errorf("no membership for user %s in team %s: %w", userID, teamID, common.ErrAccessDenied)
	}
	// Data-plane/control-plane separation: admins are never served a
	// key grant, regardless of what the row holds.
	if m.role == models.RoleAdmin || len(m.wrappedTeamKey) == 0 {
		return nil, fmt.Errorf("no team key grant for user %s in team %s: %w", userID, teamID, common.ErrAccessDenied)
	}
	return append([]byte(nil), m.wrappedTeamKey...), nil
}

func (c *InMemoryClient) InviteMember(_ context.Context, teamID, email string, wrappedTeamKey []byte) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	t, err := c.team(teamID)
	if err != nil {
		return err
	}
	if _, ok := t.members[u.id]; !ok {
		return fmt.Errorf("inviter is not a member of team %s: %w", teamID, common.ErrAccessDenied)
	}
	invitee, ok := c.srv.users[email]
	if !ok {
		return fmt.Errorf("invitee %s: %w", email, common.ErrNotFound)
	}
	if _, ok := t.members[invitee.id]; ok {
		return fmt.Errorf("user %s already in team %s: %w", email, teamID, common.ErrConflict)
	}
	t.members[invitee.id] = &memMember{
		userID:         invitee.id,
		role:           models.RoleMember,
		wrappedTeamKey: append([]byte(nil), wrappedTeamKey...),
	}
	return nil
}

func (c *InMemoryClient) ListMembers(_ context.Context, teamID string) ([]*models.Member, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, err := c.caller(); err != nil {
		return nil, err
	}
	t, err := c.team(teamID)
	if err != nil {
		return nil, err
	}
	var out []*models.Member
	for _, m := range t.members {
		var email, pub string
		for _, u := range c.srv.users {
			if u.id == m.userID {
				email, pub = u.email, u.publicKey
				break
			}
		}
		out = append(out, &models.Member{UserID: m.userID, Email: email, Role: m.role, PublicKey: pub})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (c *InMemoryClient) UpdateMemberRole(_ context.Context, teamID, targetUserID string, role models.Role) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	t, err := c.team(teamID)
	if err != nil {
		return err
	}
	if m, ok := t.members[u.id]; !ok || m.role != models.RoleAdmin {
		return fmt.Errorf("role change in team %s requires ADMIN: %w", teamID, common.ErrAccessDenied)
	}
	target, ok := t.members[targetUserID]
	if !ok {
		return fmt.Errorf("member %s in team %s: %w", targetUserID, teamID, common.ErrNotFound)
	}
	target.role = role
	return nil
}

func (c *InMemoryClient) KickMember(_ context.Context, teamID, targetUserID string) (*models.KickResult, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return nil, err
	}
	t, err := c.team(teamID)
	if err != nil {
		return nil, err
	}
	if m, ok := t.members[u.id]; !ok || m.role != models.RoleAdmin {
		return nil, fmt.Errorf("kick in team %s requires ADMIN: %w", teamID, common.ErrAccessDenied)
	}
	target, ok := t.members[targetUserID]
	if !ok {
		return nil, fmt.Errorf("member %s in team %s: %w", targetUserID, teamID, common.ErrNotFound)
	}
	delete(t.members, targetUserID)

	res := &models.KickResult{
		// Admins never held a usable grant, so kicking one does not
		// compromise the team key.
		KeyRotationRequired: target.role == models.RoleMember,
		RemainingMembers:    c.remainingMembers(t),
	}
	return res, nil
}

// remainingMembers lists current MEMBER rows with public keys; only
// those rows are refreshed on rotation. srv.mu must be held.
func (c *InMemoryClient) remainingMembers(t *memTeam) []models.RemainingMember {
	out := make([]models.RemainingMember, 0, len(t.members))
	for _, m := range t.members {
		if m.role != models.RoleMember {
			continue
		}
		for _, u := range c.srv.users {
			if u.id == m.userID {
				out = append(out, models.RemainingMember{UserID: m.userID, PublicKey: u.publicKey})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (c *InMemoryClient) RotateTeamKeys(_ context.Context, teamID string, keys []*models.MemberKey) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	t, err := c.team(teamID)
	if err != nil {
		return err
	}
	// Any membership row may submit a rotation. The real gate is
	// possession of the retiring key (without it no document DEK can be
	// rewrapped), and the server cannot verify key possession.
	if _, ok := t.members[u.id]; !ok {
		return fmt.Errorf("rotation in team %s requires membership: %w", teamID, common.ErrAccessDenied)
	}

	// Compare-and-swap: the submitted set must match the current MEMBER
	// rows exactly, otherwise the caller rewrapped against a superseded
	// member list and has to restart with a fresh snapshot.
	current := make(map[string]struct{})
	for _, m := range t.members {
		if m.role == models.RoleMember {
			current[m.userID] = struct{}{}
		}
	}
	if len(keys) != len(current) {
		return fmt.Errorf("stale member list for team %s: %w", teamID, common.ErrConflict)
	}
	for _, k := range keys {
		if _, ok := current[k.UserID]; !ok {
			return fmt.Errorf("stale member list for team %s: %w", teamID, common.ErrConflict)
		}
	}

	for _, k := range keys {
		t.members[k.UserID].wrappedTeamKey = append([]byte(nil), k.WrappedKey...)
	}
	return nil
}

func (c *InMemoryClient) ReencryptDocumentKeys(_ context.Context, teamID string, keys []*models.DocumentKey) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	t, err := c.team(teamID)
	if err != nil {
		return err
	}
	if _, ok := t.members[u.id]; !ok {
		return fmt.Errorf("rewrap in team %s requires membership: %w", teamID, common.ErrAccessDenied)
	}
	for _, k := range keys {
		d, ok := t.documents[k.DocumentID]
		if !ok {
			return fmt.Errorf("document %s in team %s: %w", k.DocumentID, teamID, common.ErrNotFound)
		}
		d.encryptedDEK = append([]byte(nil), k.NewWrappedDEK...)
	}
	return nil
}

func (c *InMemoryClient) UploadChunks(_ context.Context, teamID, fileName, fileType string, chunks []*models.ChunkUpload, wrappedDEK []byte) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	t, err := c.team(teamID)
	if err != nil {
		return err
	}
	m, ok := t.members[u.id]
	if !ok || m.role != models.RoleMember {
		return fmt.Errorf("upload to team %s requires a MEMBER grant: %w", teamID, common.ErrAccessDenied)
	}

	doc := t.findDocumentByName(fileName)
	if doc == nil {
		if len(wrappedDEK) == 0 {
			return fmt.Errorf("no document %q and no wrapped DEK supplied: %w", fileName, common.ErrNotFound)
		}
		doc = &memDocument{
			id:           uuid.NewString(),
			fileName:     fileName,
			fileType:     fileType,
			encryptedDEK: append([]byte(nil), wrappedDEK...),
			uploaderID:   u.id,
		}
		t.documents[doc.id] = doc
	}

	for _, up := range chunks {
		ch := t.findChunk(doc.id, up.ChunkIndex)
		if ch == nil {
			ch = &memChunk{docID: doc.id, index: up.ChunkIndex}
			t.chunks = append(t.chunks, ch)
		}
		ch.blob = append([]byte(nil), up.EncryptedBlob...)
		ch.deleted = false
		ch.version = t.nextVersion()
	}
	return nil
}

func (c *InMemoryClient) SyncTeamChunks(_ context.Context, teamID string, lastVersion int64) ([]*models.ChunkDelta, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, err := c.caller(); err != nil {
		return nil, err
	}
	t, err := c.team(teamID)
	if err != nil {
		return nil, err
	}

	var out []*models.ChunkDelta
	for _, ch := range t.chunks {
		if ch.version <= lastVersion {
			continue
		}
		d := &models.ChunkDelta{
			DocumentID: ch.docID,
			ChunkIndex: ch.index,
			Version:    ch.version,
			IsDeleted:  ch.deleted,
		}
		if !ch.deleted {
			d.EncryptedBlob = append([]byte(nil), ch.blob...)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (c *InMemoryClient) GetDocuments(_ context.Context, teamID string) ([]*models.Document, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	if _, err := c.caller(); err != nil {
		return nil, err
	}
	t, err := c.team(teamID)
	if err != nil {
		return nil, err
	}
	var out []*models.Document
	for _, d := range t.documents {
		var uploaderEmail string
		for _, u := range c.srv.users {
			if u.id == d.uploaderID {
				uploaderEmail = u.email
				break
			}
		}
		out = append(out, &models.Document{
			ID:            d.id,
			TeamID:        t.id,
			FileName:      d.fileName,
			FileType:      d.fileType,
			EncryptedDEK:  append([]byte(nil), d.encryptedDEK...),
			UploaderEmail: uploaderEmail,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

func (c *InMemoryClient) DeleteChunk(_ context.Context, documentID string, chunkIndex int) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	for _, t := range c.srv.teams {
		if _, ok := t.documents[documentID]; !ok {
			continue
		}
		m, ok := t.members[u.id]
		if !ok || m.role != models.RoleMember {
			return fmt.Errorf("delete in team %s requires a MEMBER grant: %w", t.id, common.ErrAccessDenied)
		}
		ch := t.findChunk(documentID, chunkIndex)
		if ch == nil {
			return fmt.Errorf("chunk %d of document %s: %w", chunkIndex, documentID, common.ErrNotFound)
		}
		// Tombstone: drop the payload, keep the row so the delete
		// propagates through sync.
		ch.deleted = true
		ch.blob = nil
		ch.version = t.nextVersion()
		return nil
	}
	return fmt.Errorf("document %s: %w", documentID, common.ErrNotFound)
}

func (c *InMemoryClient) DeleteDocument(_ context.Context, teamID, documentID string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	u, err := c.caller()
	if err != nil {
		return err
	}
	t, err := c.team(teamID)
	if err != nil {
		return err
	}
	m, ok := t.members[u.id]
	if !ok || m.role != models.RoleMember {
		return fmt.Errorf("delete in team %s requires a MEMBER grant: %w", teamID, common.ErrAccessDenied)
	}
	if _, ok := t.documents[documentID]; !ok {
		return fmt.Errorf("document %s in team %s: %w", documentID, teamID, common.ErrNotFound)
	}

	// The metadata row goes away; every live chunk becomes a versioned
	// tombstone so replicas drop their copies on the next sync.
	for _, ch := range t.chunks {
		if ch.docID != documentID || ch.deleted {
			continue
		}
		ch.deleted = true
		ch.blob = nil
		ch.version = t.nextVersion()
	}
	delete(t.documents, documentID)
	return nil
}
