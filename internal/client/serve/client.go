// Package serve is the SDK entry point. A Client composes the crypto
// engine, per-session state, transport, rotation coordinator and sync
// engine into the operations a caller invokes: signup/login, team
// lifecycle, membership, document/chunk upload and sync.
//
// Construct one Client per logical actor and never share it across
// actors; all session state (identity, key cache, watermarks) is scoped
// to the Client and lives in memory only.
package serve

import (
	"context"
	"fmt"

	"github.com/servehq/serve-sdk-go/internal/client/rotation"
	"github.com/servehq/serve-sdk-go/internal/client/session"
	"github.com/servehq/serve-sdk-go/internal/client/syncx"
	"github.com/servehq/serve-sdk-go/internal/client/transport"
	"github.com/servehq/serve-sdk-go/internal/common"
	"github.com/servehq/serve-sdk-go/internal/cryptox"
	"github.com/servehq/serve-sdk-go/internal/logging"
)

type Client struct {
	api      transport.Client
	identity *session.IdentityStore
	keys     *session.KeyCache
	// retired holds the previous team key while a rotation's document
	// rewrap is still pending; ResumeReencryption needs it to unwrap the
	// stale DEK wrappers.
	retired *session.KeyCache
	rotator *rotation.Coordinator
	syncer  *syncx.Engine
	applyFn syncx.ApplyFunc
	log     logging.Logger
}

type Option func(*Client)

func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithApplyFunc installs a callback the sync engine invokes for every
// applied chunk (e.g. to feed a local index).
func WithApplyFunc(fn syncx.ApplyFunc) Option {
	return func(c *Client) { c.applyFn = fn }
}

func New(api transport.Client, opts ...Option) *Client {
	c := &Client{
		api:      api,
		identity: session.NewIdentityStore(),
		keys:     session.NewKeyCache(),
		retired:  session.NewKeyCache(),
		log:      logging.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.rotator = rotation.NewCoordinator(api, c.log)
	engineOpts := []syncx.Option{syncx.WithLogger(c.log)}
	if c.applyFn != nil {
		engineOpts = append(engineOpts, syncx.WithApplyFunc(c.applyFn))
	}
	c.syncer = syncx.NewEngine(api, c.ensureTeamKey, engineOpts...)
	return c
}

// Close releases transport resources. Session state is discarded.
func (c *Client) Close() error {
	c.identity.Clear()
	c.keys.InvalidateAll()
	c.retired.InvalidateAll()
	return c.api.Close()
}

// Ping proxies a liveness check to the server.
func (c *Client) Ping(ctx context.Context) error {
	return c.api.Ping(ctx)
}

// requireIdentity fetches the current identity or fails with
// ErrNotAuthenticated.
func (c *Client) requireIdentity() (session.Identity, error) {
	id, ok := c.identity.Get()
	if !ok {
		return session.Identity{}, common.ErrNotAuthenticated
	}
	return id, nil
}

// ensureTeamKey is the single choke point through which every
// encrypt/decrypt-requiring operation obtains its team key.
//
// Cache hit wins; otherwise the wrapped grant is fetched and unwrapped
// with the session private key. A grant that is missing or does not
// open for this identity is an access problem (the caller must request
// an invite) and is never retried here.
func (c *Client) ensureTeamKey(ctx context.Context, teamID string) ([]byte, error) {
	if key, ok := c.keys.Get(teamID); ok {
		return key, nil
	}

	id, err := c.requireIdentity()
	if err != nil {
		return nil, err
	}

	blob, err := c.api.GetWrappedTeamKey(ctx, teamID, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("no team key grant for team %s (ask a team member for an invite): %w", teamID, err)
	}

	key, err := cryptox.UnwrapKey(blob, id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("team key for team %s does not unwrap for this identity: %w", teamID, err)
	}

	c.keys.Put(teamID, key)
	return key, nil
}

// InvalidateTeamKey drops the cached key for a team, forcing the next
// operation through the lazy-load path.
func (c *Client) InvalidateTeamKey(teamID string) {
	c.keys.Invalidate(teamID)
}

// CachedTeamKeys returns how many team keys the session currently holds.
func (c *Client) CachedTeamKeys() int {
	return c.keys.Len()
}
