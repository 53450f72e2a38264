package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProofURLSigner mints and validates short-lived download tokens for proof
// artifacts, so the front end can fetch a document without resending the
// Authorization header.
type ProofURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewProofURLSigner constructs a signer with the provided secret and TTL.
func NewProofURLSigner(secret string, ttl time.Duration) *ProofURLSigner {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ProofURLSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns a token binding a request id to an artifact path.
func (s *ProofURLSigner) Sign(requestRef, relPath string) (string, time.Time, error) {
	if requestRef == "" || relPath == "" {
		return "", time.Time{}, fmt.Errorf("requestRef and relPath required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl)
	encodedPath := base64.RawURLEncoding.EncodeToString([]byte(relPath))
	payload := fmt.Sprintf("%s|%d|%s", requestRef, expiresAt.Unix(), encodedPath)
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))
	token := strings.Join([]string{requestRef, strconv.FormatInt(expiresAt.Unix(), 10), encodedPath, signature}, ".")
	return token, expiresAt, nil
}

// Verify validates a token and returns the embedded reference and path.
func (s *ProofURLSigner) Verify(token string) (requestRef, relPath string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", fmt.Errorf("invalid token format")
	}
	requestRef = parts[0]
	ts := parts[1]
	encodedPath := parts[2]
	signature := parts[3]

	rawPath, err := base64.RawURLEncoding.DecodeString(encodedPath)
	if err != nil {
		return "", "", fmt.Errorf("decode path: %w", err)
	}
	expUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("invalid timestamp")
	}

	payload := fmt.Sprintf("%s|%s|%s", requestRef, ts, encodedPath)
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", "", fmt.Errorf("invalid token signature")
	}
	if s.now().After(time.Unix(expUnix, 0)) {
		return "", "", fmt.Errorf("token expired")
	}
	return requestRef, string(rawPath), nil
}
