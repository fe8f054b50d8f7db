// Package signing computes and verifies hex HMAC signatures over raw request
// bodies, the scheme SIEM webhooks use to prove payload integrity.
package signing

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Supported algorithms.
const (
	SHA1   = "sha1"
	SHA256 = "sha256"
	SHA512 = "sha512"
)

// Signer signs with one algorithm and secret.
type Signer struct {
	algorithm string
	newHash   func() hash.Hash
	secret    []byte
}

// NewSigner returns a signer for algorithm (empty means sha256).
func NewSigner(algorithm, secret string) (*Signer, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = SHA256
	}

	var h func() hash.Hash
	switch algorithm {
	case SHA1:
		h = sha1.New
	case SHA256:
		h = sha256.New
	case SHA512:
		h = sha512.New
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}

	return &Signer{algorithm: algorithm, newHash: h, secret: []byte(secret)}, nil
}

// Algorithm returns the algorithm name.
func (s *Signer) Algorithm() string {
	return s.algorithm
}

// Sign returns the lowercase hex HMAC of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(s.newHash, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header returns the signature in the "<algo>=<hex>" form used by
// GitHub-style webhooks.
func (s *Signer) Header(body []byte) string {
	return s.algorithm + "=" + s.Sign(body)
}

// Verify checks signature against body in constant time. A leading
// "<algo>=" prefix is tolerated; hex case is ignored.
func (s *Signer) Verify(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if prefix, rest, ok := strings.Cut(signature, "="); ok && strings.EqualFold(prefix, s.algorithm) {
		signature = rest
	}

	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil || len(got) == 0 {
		return false
	}

	mac := hmac.New(s.newHash, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
