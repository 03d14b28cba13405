package serve

import (
	"context"
	"fmt"

	"github.com/servehq/serve-sdk-go/internal/client/session"
	"github.com/servehq/serve-sdk-go/internal/common"
	"github.com/servehq/serve-sdk-go/internal/cryptox"
)

// Signup creates a server account: a fresh identity keypair is
// generated, the private key is encrypted under the password, and only
// the public key plus the protected blob leave the process.
func (c *Client) Signup(ctx context.Context, email string, password []byte) error {
	priv, err := cryptox.GenerateIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	pubPEM, err := cryptox.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	protected, err := cryptox.ProtectPrivateKey(priv, password)
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	if err := c.api.Signup(ctx, email, string(password), pubPEM, protected); err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	return nil
}

// Login authenticates against the server and recovers the private key
// from the returned encrypted blob. A blob that fails to open means the
// password is wrong even when the server accepted it; the session is
// cleared and ErrWrongPassphrase reported.
func (c *Client) Login(ctx context.Context, email string, password []byte) error {
	res, err := c.api.Login(ctx, email, string(password))
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	priv, err := cryptox.RecoverPrivateKey(res.EncryptedPrivateKey, password)
	if err != nil {
		c.Logout()
		return fmt.Errorf("login: recover private key: %w", err)
	}

	c.identity.Set(session.Identity{
		AccessToken: res.AccessToken,
		UserID:      res.UserID,
		Email:       res.Email,
		PublicKey:   &priv.PublicKey,
		PrivateKey:  priv,
	})
	return nil
}

// Logout discards the identity and every cached team key, retired
// rotation keys included.
func (c *Client) Logout() {
	c.identity.Clear()
	c.keys.InvalidateAll()
	c.retired.InvalidateAll()
}

// IsAuthenticated reports whether a login succeeded in this session.
func (c *Client) IsAuthenticated() bool {
	return c.identity.IsAuthenticated()
}

// UserID returns the logged-in user's id, or "" when logged out.
func (c *Client) UserID() string {
	id, ok := c.identity.Get()
	if !ok {
		return ""
	}
	return id.UserID
}

// ResetPassword re-protects the session private key under a new
// password and replaces the server-held blob. The key itself does not
// change, so existing team-key grants stay valid. Requires a login.
func (c *Client) ResetPassword(ctx context.Context, newPassword []byte) error {
	id, err := c.requireIdentity()
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	protected, err := cryptox.ProtectPrivateKey(id.PrivateKey, newPassword)
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	if err := c.api.ResetPassword(ctx, id.Email, string(newPassword), protected); err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	return nil
}

// Withdraw deletes the account on the server and clears the session.
func (c *Client) Withdraw(ctx context.Context) error {
	if !c.identity.IsAuthenticated() {
		return fmt.Errorf("withdraw: %w", common.ErrNotAuthenticated)
	}
	if err := c.api.Withdraw(ctx); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	c.Logout()
	return nil
}
