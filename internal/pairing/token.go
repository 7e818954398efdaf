package pairing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Token verification errors.
var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the signed contents of a bearer token.
type Claims struct {
	Subject  string `json:"sub"` // userId
	DeviceID string `json:"deviceId"`
	IsAdmin  bool   `json:"isAdmin"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp,omitempty"` // 0 = no expiry
}

// TokenStore issues and verifies compact HMAC-SHA256 bearer tokens bound to
// device + user. The signing secret is 32 local bytes generated on first
// start, held in a 0600 file.
type TokenStore struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenStore loads or creates the signing secret at keyPath.
func NewTokenStore(keyPath string, ttl time.Duration) (*TokenStore, error) {
	secret, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read token key: %w", err)
		}
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
		if err := os.WriteFile(keyPath, secret, 0o600); err != nil {
			return nil, fmt.Errorf("write token key: %w", err)
		}
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("token key at %s is too short", keyPath)
	}
	return &TokenStore{secret: secret, ttl: ttl}, nil
}

// Issue signs a token for an approved device.
func (t *TokenStore) Issue(userID, deviceID string, isAdmin bool) (string, error) {
	now := time.Now().UTC()
	c := Claims{
		Subject:  userID,
		DeviceID: deviceID,
		IsAdmin:  isAdmin,
		IssuedAt: now.Unix(),
	}
	if t.ttl > 0 {
		c.Expires = now.Add(t.ttl).Unix()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + t.sign(body), nil
}

// Verify parses the token and checks signature and expiry. The caller must
// still match the claims against the allowlist.
func (t *TokenStore) Verify(token string) (Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrTokenInvalid
	}
	if subtle.ConstantTimeCompare([]byte(t.sign(body)), []byte(sig)) != 1 {
		return Claims{}, ErrTokenInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if c.Expires != 0 && time.Now().Unix() > c.Expires {
		return Claims{}, ErrTokenExpired
	}
	return c, nil
}

// MatchesEntry compares token claims to the allowlist record in constant time.
func MatchesEntry(c Claims, e AllowlistEntry) bool {
	subOK := subtle.ConstantTimeCompare([]byte(c.Subject), []byte(e.UserID)) == 1
	devOK := subtle.ConstantTimeCompare([]byte(c.DeviceID), []byte(e.DeviceID)) == 1
	return subOK && devOK
}

func (t *TokenStore) sign(body string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
