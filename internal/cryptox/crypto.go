// Package cryptox implements the cryptographic primitives of the Serve
// client: identity keypairs, password-based private-key protection,
// AES-GCM bulk encryption, and the two key-wrapping schemes used for
// team-key distribution (RSA-OAEP) and document envelopes (AES-GCM).
//
// All functions are pure: no network, no state. Key generation and
// encryption draw from the system CSPRNG; everything else is
// deterministic in its inputs. Failures are terminal for the call and
// are reported as the sentinel errors in internal/common; callers must
// never retry a cryptographic failure with the same inputs.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/servehq/serve-sdk-go/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	identityKeyBits  = 2048
	symmetricKeySize = 32
	saltSize         = 16
	nonceSize        = 12

	publicKeyPEMType = "PUBLIC KEY"
)

// GenerateIdentityKeyPair creates a fresh RSA keypair. Identity keys are
// used only to wrap and unwrap symmetric keys, never for bulk data.
func GenerateIdentityKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, identityKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate identity key pair: %w", err)
	}
	return priv, nil
}

// EncodePublicKey renders a public key as PKIX PEM for the wire.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der})), nil
}

// ParsePublicKey is the inverse of EncodePublicKey.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("parse public key: no PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: unexpected key type %T", key)
	}
	return pub, nil
}

// deriveKey stretches a password into an AES-256 key with argon2id.
func deriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, symmetricKeySize)
}

// ProtectPrivateKey encrypts priv under a key derived from password.
// Layout: salt || nonce || ciphertext. The blob is what the server
// stores; the server can never open it.
func ProtectPrivateKey(priv *rsa.PrivateKey, password []byte) ([]byte, error) {
	salt := common.GenerateRandByteArray(saltSize)
	kek := deriveKey(password, salt)
	defer common.WipeByteArray(kek)

	sealed, err := gcmSeal(x509.MarshalPKCS1PrivateKey(priv), kek)
	if err != nil {
		return nil, fmt.Errorf("protect private key: %w", err)
	}
	return append(salt, sealed...), nil
}

// RecoverPrivateKey is the inverse of ProtectPrivateKey. An integrity
// failure is reported as ErrWrongPassphrase; this is the only way a
// caller learns the password was wrong.
func RecoverPrivateKey(blob, password []byte) (*rsa.PrivateKey, error) {
	if len(blob) < saltSize+nonceSize+1 {
		return nil, fmt.Errorf("recover private key: blob too short: %w", common.ErrWrongPassphrase)
	}
	kek := deriveKey(password, blob[:saltSize])
	defer common.WipeByteArray(kek)

	der, err := gcmOpen(blob[saltSize:], kek)
	if err != nil {
		return nil, fmt.Errorf("recover private key: %w", common.ErrWrongPassphrase)
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	common.WipeByteArray(der)
	if err != nil {
		return nil, fmt.Errorf("recover private key: %w", err)
	}
	return priv, nil
}

// GenerateSymmetricKey returns a fresh random AES-256 key. The same
// primitive backs both team keys and document DEKs.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// WrapKey encrypts a symmetric key under a member's public key
// (RSA-OAEP/SHA-256). Used to distribute team keys.
func WrapKey(symKey []byte, pub *rsa.PublicKey) ([]byte, error) {
	blob, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, symKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	return blob, nil
}

// UnwrapKey recovers a symmetric key wrapped under the holder's public
// key. Failure means the grant was not produced for this identity, which
// from the caller's viewpoint is an access problem, not a transient one.
func UnwrapKey(blob []byte, priv *rsa.PrivateKey) ([]byte, error) {
	symKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", common.ErrAccessDenied)
	}
	return symKey, nil
}

// WrapKeyWithKey wraps one symmetric key under another (DEK under KEK),
// the envelope-encryption step. Layout: nonce || ciphertext.
func WrapKeyWithKey(innerKey, outerKey []byte) ([]byte, error) {
	blob, err := gcmSeal(innerKey, outerKey)
	if err != nil {
		return nil, fmt.Errorf("wrap key with key: %w", err)
	}
	return blob, nil
}

// UnwrapKeyWithKey is the inverse of WrapKeyWithKey. An integrity
// failure is reported as ErrKeyMismatch.
func UnwrapKeyWithKey(blob, outerKey []byte) ([]byte, error) {
	innerKey, err := gcmOpen(blob, outerKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap key with key: %w", common.ErrKeyMismatch)
	}
	return innerKey, nil
}

// Encrypt seals plaintext under key with AES-GCM and a fresh nonce.
// Layout: nonce || ciphertext.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	blob, err := gcmSeal(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. A tag mismatch (wrong key,
// rotated key, or tampered ciphertext, intentionally indistinguishable)
// is reported as ErrAuthenticationFailure.
func Decrypt(blob, key []byte) ([]byte, error) {
	plaintext, err := gcmOpen(blob, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", common.ErrAuthenticationFailure)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func gcmSeal(plaintext, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := common.GenerateRandByteArray(aesgcm.NonceSize())
	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(blob, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aesgcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	return aesgcm.Open(nil, blob[:aesgcm.NonceSize()], blob[aesgcm.NonceSize():], nil)
}
