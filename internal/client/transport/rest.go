package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/servehq/serve-sdk-go/internal/client/models"
	"github.com/servehq/serve-sdk-go/internal/common"
)

const (
	defaultRequestTimeout = 15 * time.Second
	retryBase             = 200 * time.Millisecond
	retryMax              = 3
)

// RestClient talks JSON over HTTP to a Serve server. It stores the
// access token obtained at login and attaches it to every subsequent
// request. Network failures and 5xx responses are retried with
// exponential backoff; 4xx responses never are.
type RestClient struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

var _ Client = (*RestClient)(nil)

type RestOption func(*RestClient)

// WithHTTPClient overrides the underlying http.Client (tests, custom TLS).
func WithHTTPClient(h *http.Client) RestOption {
	return func(c *RestClient) { c.http = h }
}

func NewRestClient(baseURL string, opts ...RestOption) *RestClient {
	c := &RestClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *RestClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *RestClient) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *RestClient) setAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// tokenExpired inspects the token's exp claim without verifying the
// signature (verification is the server's job); it only lets the client
// fail fast instead of burning a round trip on a dead token.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false // opaque token, let the server decide
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

// do performs one JSON request/response cycle with retries for
// transport-class failures. out, when non-nil, receives the decoded
// response body.
func (c *RestClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if token := c.accessToken(); token != "" && tokenExpired(token) {
		return fmt.Errorf("%s %s: token expired: %w", method, path, common.ErrNotAuthenticated)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s %s: encode request: %w", method, path, err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	backoff := retry.WithMaxRetries(retryMax, retry.NewExponential(retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(common.RequestIDHeaderName, uuid.NewString())
		if token := c.accessToken(); token != "" {
			req.Header.Set(common.AuthorizationHeaderName, "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%s %s: %w: %w", method, path, common.ErrTransport, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("%s %s: server status %d: %w", method, path, resp.StatusCode, common.ErrTransport))
		}
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%s %s: %s: %w", method, path, strings.TrimSpace(string(msg)), mapStatus(resp.StatusCode))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%s %s: decode response: %w", method, path, err)
			}
		}
		return nil
	})
}

// mapStatus converts a non-retryable HTTP status to the error taxonomy.
func mapStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return common.ErrNotAuthenticated
	case http.StatusForbidden:
		return common.ErrAccessDenied
	case http.StatusNotFound:
		return common.ErrNotFound
	case http.StatusConflict:
		return common.ErrConflict
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

func (c *RestClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil, nil)
}

func (c *RestClient) Signup(ctx context.Context, email, password, publicKey string, encryptedPrivateKey []byte) error {
	body := map[string]any{
		"email":               email,
		"password":            password,
		"publicKey":           publicKey,
		"encryptedPrivateKey": encryptedPrivateKey,
	}
	return c.do(ctx, http.MethodPost, "/auth/signup", nil, body, nil)
}

func (c *RestClient) Login(ctx context.Context, email, password string) (*models.LoginResult, error) {
	body := map[string]any{"email": email, "password": password}
	var res models.LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &res); err != nil {
		// the server answers 401 to a bad password; surface it as a
		// credentials problem, not a session problem
		if errors.Is(err, common.ErrNotAuthenticated) {
			return nil, fmt.Errorf("login: %w", common.ErrInvalidCredentials)
		}
		return nil, err
	}
	c.setAccessToken(res.AccessToken)
	return &res, nil
}

func (c *RestClient) ResetPassword(ctx context.Context, email, newPassword string, newEncryptedPrivateKey []byte) error {
	body := map[string]any{
		"email":               email,
		"newPassword":         newPassword,
		"encryptedPrivateKey": newEncryptedPrivateKey,
	}
	return c.do(ctx, http.MethodPost, "/auth/reset-password", nil, body, nil)
}

func (c *RestClient) Withdraw(ctx context.Context) error {
	if err := c.do(ctx, http.MethodDelete, "/auth/me", nil, nil, nil); err != nil {
		return err
	}
	c.setAccessToken("")
	return nil
}

func (c *RestClient) GetUserPublicKey(ctx context.Context, email string) (string, error) {
	var res struct {
		PublicKey string `json:"publicKey"`
	}
	q := url.Values{"email": {email}}
	if err := c.do(ctx, http.MethodGet, "/auth/public-key", q, nil, &res); err != nil {
		return "", err
	}
	return res.PublicKey, nil
}

func (c *RestClient) CreateTeam(ctx context.Context, name, description, ownerID string, ownerWrappedTeamKey []byte) (string, error) {
	body := map[string]any{
		"name":             name,
		"description":      description,
		"ownerId":          ownerID,
		"encryptedTeamKey": ownerWrappedTeamKey,
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/repositories", nil, body, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

func (c *RestClient) ListTeams(ctx context.Context, userID string) ([]*models.Team, error) {
	var res []*models.Team
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, http.MethodGet, "/api/repositories", q, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RestClient) DeleteTeam(ctx context.Context, teamID string) error {
	return c.do(ctx, http.MethodDelete, "/api/repositories/"+teamID, nil, nil, nil)
}

func (c *RestClient) GetWrappedTeamKey(ctx context.Context, teamID, userID string) ([]byte, error) {
	var res struct {
		EncryptedTeamKey []byte `json:"encryptedTeamKey"`
	}
	q := url.Values{"userId": {userID}}
	if err := c.do(ctx, http.MethodGet, "/api/repositories/"+teamID+"/keys", q, nil, &res); err != nil {
		return nil, err
	}
	return res.EncryptedTeamKey, nil
}

func (c *RestClient) InviteMember(ctx context.Context, teamID, email string, wrappedTeamKey []byte) error {
	body := map[string]any{"email": email, "encryptedTeamKey": wrappedTeamKey}
	return c.do(ctx, http.MethodPost, "/api/teams/"+teamID+"/members", nil, body, nil)
}

func (c *RestClient) ListMembers(ctx context.Context, teamID string) ([]*models.Member, error) {
	var res []*models.Member
	if err := c.do(ctx, http.MethodGet, "/api/teams/"+teamID+"/members", nil, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RestClient) UpdateMemberRole(ctx context.Context, teamID, targetUserID string, role models.Role) error {
	body := map[string]any{"role": role}
	return c.do(ctx, http.MethodPatch, "/api/teams/"+teamID+"/members/"+targetUserID, nil, body, nil)
}

func (c *RestClient) KickMember(ctx context.Context, teamID, targetUserID string) (*models.KickResult, error) {
	var res models.KickResult
	if err := c.do(ctx, http.MethodDelete, "/api/teams/"+teamID+"/members/"+targetUserID, nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RestClient) RotateTeamKeys(ctx context.Context, teamID string, keys []*models.MemberKey) error {
	body := map[string]any{"keys": keys}
	return c.do(ctx, http.MethodPost, "/api/teams/"+teamID+"/keys/rotate", nil, body, nil)
}

func (c *RestClient) ReencryptDocumentKeys(ctx context.Context, teamID string, keys []*models.DocumentKey) error {
	body := map[string]any{"keys": keys}
	return c.do(ctx, http.MethodPost, "/api/teams/"+teamID+"/documents/keys", nil, body, nil)
}

func (c *RestClient) UploadChunks(ctx context.Context, teamID, fileName, fileType string, chunks []*models.ChunkUpload, wrappedDEK []byte) error {
	body := map[string]any{
		"fileName": fileName,
		"fileType": fileType,
		"chunks":   chunks,
	}
	if wrappedDEK != nil {
		body["wrappedDek"] = wrappedDEK
	}
	return c.do(ctx, http.MethodPost, "/api/teams/"+teamID+"/chunks", nil, body, nil)
}

func (c *RestClient) SyncTeamChunks(ctx context.Context, teamID string, lastVersion int64) ([]*models.ChunkDelta, error) {
	var res []*models.ChunkDelta
	q := url.Values{
		"teamId":      {teamID},
		"lastVersion": {strconv.FormatInt(lastVersion, 10)},
	}
	if err := c.do(ctx, http.MethodGet, "/api/sync/chunks", q, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RestClient) GetDocuments(ctx context.Context, teamID string) ([]*models.Document, error) {
	var res []*models.Document
	if err := c.do(ctx, http.MethodGet, "/api/teams/"+teamID+"/documents", nil, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RestClient) DeleteChunk(ctx context.Context, documentID string, chunkIndex int) error {
	return c.do(ctx, http.MethodDelete, "/api/documents/"+documentID+"/chunks/"+strconv.Itoa(chunkIndex), nil, nil, nil)
}

func (c *RestClient) DeleteDocument(ctx context.Context, teamID, documentID string) error {
	return c.do(ctx, http.MethodDelete, "/api/teams/"+teamID+"/documents/"+documentID, nil, nil, nil)
}
