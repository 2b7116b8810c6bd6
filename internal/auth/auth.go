// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSecretRequired = errors.New("secret key is required")
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token has expired")
)

// TokenConfig holds the configuration for token generation
type TokenConfig struct {
	Secret     []byte
	Expiration time.Duration
	now        func() time.Time
}

// NewTokenConfig 使用共享密钥创建配置，密钥统一为 32 字节
func NewTokenConfig(secret string, expiration time.Duration) (*TokenConfig, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	sum := sha256.Sum256([]byte(secret))
	return &TokenConfig{Secret: sum[:], Expiration: expiration}, nil
}

func (c *TokenConfig) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Token represents an authentication token
type Token struct {
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	IssuedAt  int64  `json:"issued_at"`
}

// GenerateToken 签发 HMAC 令牌：base64(user|exp|iat).base64(sig)
func GenerateToken(userID string, config *TokenConfig) (string, error) {
	if config == nil || len(config.Secret) == 0 {
		return "", ErrSecretRequired
	}
	if userID == "" || strings.Contains(userID, "|") {
		return "", fmt.Errorf("%w: user id must be non-empty and must not contain '|'", ErrInvalidToken)
	}

	now := config.clock()
	payload := fmt.Sprintf("%s|%d|%d", userID, now.Add(config.Expiration).Unix(), now.Unix())

	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	encodedSignature := base64.RawURLEncoding.EncodeToString(sign(config.Secret, []byte(payload)))
	return encodedPayload + "." + encodedSignature, nil
}

// ParseToken parses and validates a token
func ParseToken(tokenString string, config *TokenConfig) (*Token, error) {
	if config == nil || len(config.Secret) == 0 {
		return nil, ErrSecretRequired
	}

	encodedPayload, encodedSignature, ok := strings.Cut(tokenString, ".")
	if !ok {
		return nil, fmt.Errorf("%w: format", ErrInvalidToken)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	signatureBytes, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}
	if !hmac.Equal(signatureBytes, sign(config.Secret, payloadBytes)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	parts := strings.Split(string(payloadBytes), "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: payload format", ErrInvalidToken)
	}
	expiresAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: expiry", ErrInvalidToken)
	}
	issuedAt, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: issued at", ErrInvalidToken)
	}

	if config.clock().Unix() > expiresAt {
		return nil, ErrTokenExpired
	}

	return &Token{UserID: parts[0], ExpiresAt: expiresAt, IssuedAt: issuedAt}, nil
}

func sign(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// GenerateSecureKey generates a secure random key for token signing
func GenerateSecureKey(length int) ([]byte, error) {
	if length <= 0 {
		length = 32 // Default to 256 bits
	}

	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
