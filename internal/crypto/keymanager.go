// Package crypto seals credentials at rest with a password, so the eBay
// cert secret need not sit in plain text beside the config.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// ErrNoSecret is returned by LoadSecret when neither source is configured.
var ErrNoSecret = errors.New("crypto: no secret configured")

// sealedSecret is the on-disk format written by SealSecret.
type sealedSecret struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretConfig names where a secret comes from. Raw wins over Path.
type SecretConfig struct {
	Raw      string
	Path     string
	Password string
}

// SealSecret encrypts secret with PBKDF2-HMAC-SHA256 and AES-256-GCM and
// returns the JSON document to write to disk.
func SealSecret(secret, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if secret == "" {
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt, pbkdf2Iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	return json.MarshalIndent(sealedSecret{
		Version:    currentVersion,
		Iterations: pbkdf2Iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(secret), nil)),
	}, "", "  ")
}

// OpenSecret decrypts a document produced by SealSecret.
func OpenSecret(sealed []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var s sealedSecret
	if err := json.Unmarshal(sealed, &s); err != nil {
		return "", fmt.Errorf("crypto: parse sealed secret: %w", err)
	}
	if s.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", s.Version)
	}
	if s.Iterations <= 0 {
		s.Iterations = pbkdf2Iterations
	}

	salt, err := base64.StdEncoding.DecodeString(s.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt, s.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d, want %d", len(nonce), gcm.NonceSize())
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open sealed secret (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

// LoadSecret returns cfg.Raw when set, otherwise reads and opens the
// sealed file at cfg.Path.
func LoadSecret(cfg SecretConfig) (string, error) {
	if raw := strings.TrimSpace(cfg.Raw); raw != "" {
		return raw, nil
	}
	if cfg.Path == "" {
		return "", ErrNoSecret
	}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return "", fmt.Errorf("crypto: read sealed secret: %w", err)
	}
	return OpenSecret(data, cfg.Password)
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create gcm: %w", err)
	}
	return gcm, nil
}
