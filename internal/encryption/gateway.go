// Package encryption encrypts and decrypts message bodies for storage at
// rest. Keys are derived per conversation from the service secret; failures
// surface as tagged results so a view can render a placeholder instead of
// crashing.
package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	wirePrefix = "CLENC1:"
	saltSize   = 16
)

// Encryption statuses mirrored into the message row.
const (
	StatusNone      = "none"
	StatusEncrypted = "encrypted"
	StatusFailed    = "failed"
)

// FailedPlaceholder replaces content whose decryption failed. Views render
// it verbatim; the raw error never reaches rendering.
const FailedPlaceholder = "[Decryption failed]"

var (
	ErrAuthFailed = errors.New("message authentication failed")
	ErrInvalid    = errors.New("ciphertext envelope is invalid")
)

// Result is the outcome of encrypting one message body.
type Result struct {
	Ciphertext string
	Status     string
	Err        string
}

// Plaintext is the outcome of decrypting one message body.
type Plaintext struct {
	Content string
	Success bool
	Err     string
}

// Gateway derives a per-conversation key from the service secret and seals
// message bodies with XChaCha20-Poly1305.
type Gateway struct {
	secret string
	logger *zap.Logger
}

// NewGateway creates an encryption gateway. An empty secret disables
// encryption; Encrypt then passes content through with status "none".
func NewGateway(secret string, logger *zap.Logger) *Gateway {
	return &Gateway{secret: secret, logger: logger}
}

// Enabled reports whether the gateway has a secret to derive keys from.
func (g *Gateway) Enabled() bool {
	return g.secret != ""
}

// Encrypt seals content for the given conversation. Standard messages pass
// through unencrypted unless the caller asks otherwise; sensitivity is the
// caller's decision.
func (g *Gateway) Encrypt(content, senderID, recipientID, conversationID string) Result {
	if !g.Enabled() {
		return Result{Ciphertext: content, Status: StatusNone, Err: "encryption not configured"}
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		g.logger.Error("encrypt: salt generation failed", zap.Error(err))
		return Result{Ciphertext: content, Status: StatusFailed, Err: err.Error()}
	}
	key := g.deriveKey(conversationID, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		g.logger.Error("encrypt: cipher init failed", zap.Error(err))
		return Result{Ciphertext: content, Status: StatusFailed, Err: err.Error()}
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Result{Ciphertext: content, Status: StatusFailed, Err: err.Error()}
	}

	// The sender/recipient pair binds the ciphertext to its participants.
	aad := []byte(senderID + "|" + recipientID)
	sealed := aead.Seal(nil, nonce, []byte(content), aad)

	raw := make([]byte, 0, saltSize+len(nonce)+len(sealed))
	raw = append(raw, salt...)
	raw = append(raw, nonce...)
	raw = append(raw, sealed...)

	return Result{
		Ciphertext: wirePrefix + base64.StdEncoding.EncodeToString(raw),
		Status:     StatusEncrypted,
	}
}

// Decrypt opens a sealed message body. Failures return a tagged result with
// the fixed placeholder; the caller must not treat them as fatal.
func (g *Gateway) Decrypt(ciphertext, senderID, recipientID, conversationID string) Plaintext {
	plain, err := g.open(ciphertext, senderID, recipientID, conversationID)
	if err != nil {
		g.logger.Warn("decrypt failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return Plaintext{Content: FailedPlaceholder, Success: false, Err: err.Error()}
	}
	return Plaintext{Content: plain, Success: true}
}

func (g *Gateway) open(ciphertext, senderID, recipientID, conversationID string) (string, error) {
	if !g.Enabled() {
		return "", errors.New("encryption not configured")
	}
	if !strings.HasPrefix(ciphertext, wirePrefix) {
		return "", ErrInvalid
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(wirePrefix):])
	if err != nil {
		return "", ErrInvalid
	}
	if len(raw) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrInvalid
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	sealed := raw[saltSize+chacha20poly1305.NonceSizeX:]

	key := g.deriveKey(conversationID, salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	aad := []byte(senderID + "|" + recipientID)
	plain, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return "", ErrAuthFailed
	}
	return string(plain), nil
}

func (g *Gateway) deriveKey(conversationID string, salt []byte) []byte {
	// Conversation id salts the derivation so each thread has its own key.
	material := g.secret + "|" + conversationID
	return argon2.IDKey([]byte(material), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
