package token

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Algorithm selects the extendable-output function used for signatures.
type Algorithm string

const (
	// SHAKE256 is the default and matches cards already in circulation.
	SHAKE256 Algorithm = "shake256"
	BLAKE3   Algorithm = "blake3"
)

// ParseAlgorithm accepts the names used in configuration files.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHAKE256:
		return SHAKE256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("token: unknown digest algorithm %q", s)
	}
}

// signer produces and checks the nonce-and-digest tail shared by access
// and download tokens: digest = XOF(payload || nonce || secret)[:digestSize].
type signer struct {
	alg        Algorithm
	secret     []byte
	nonceSize  int
	digestSize int
	rand       io.Reader
}

func newSigner(alg Algorithm, secret []byte, nonceSize, digestSize int, rnd io.Reader) (*signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token: secret must not be empty")
	}
	if nonceSize <= 0 || digestSize <= 0 {
		return nil, fmt.Errorf("token: nonce and digest sizes must be positive (got %d, %d)", nonceSize, digestSize)
	}
	if alg == "" {
		alg = SHAKE256
	}
	if alg != SHAKE256 && alg != BLAKE3 {
		return nil, fmt.Errorf("token: unknown digest algorithm %q", alg)
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	return &signer{
		alg:        alg,
		secret:     append([]byte(nil), secret...),
		nonceSize:  nonceSize,
		digestSize: digestSize,
		rand:       rnd,
	}, nil
}

func (s *signer) tailSize() int { return s.nonceSize + s.digestSize }

// seal appends a fresh nonce and its digest to payload.
func (s *signer) seal(payload []byte) ([]byte, error) {
	out := make([]byte, len(payload), len(payload)+s.tailSize())
	copy(out, payload)

	nonce := make([]byte, s.nonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("token: read nonce: %w", err)
	}
	out = append(out, nonce...)
	return append(out, s.digest(payload, nonce)...), nil
}

// open checks the tail of raw and returns the signed payload.
func (s *signer) open(raw []byte) (payload []byte, ok bool) {
	if len(raw) < s.tailSize() {
		return nil, false
	}
	split := len(raw) - s.tailSize()
	payload = raw[:split]
	nonce := raw[split : split+s.nonceSize]
	sig := raw[split+s.nonceSize:]

	want := s.digest(payload, nonce)
	return payload, subtle.ConstantTimeCompare(sig, want) == 1
}

func (s *signer) digest(payload, nonce []byte) []byte {
	out := make([]byte, s.digestSize)
	switch s.alg {
	case BLAKE3:
		h := blake3.New()
		_, _ = h.Write(payload)
		_, _ = h.Write(nonce)
		_, _ = h.Write(s.secret)
		_, _ = io.ReadFull(h.Digest(), out)
	default:
		h := sha3.NewShake256()
		_, _ = h.Write(payload)
		_, _ = h.Write(nonce)
		_, _ = h.Write(s.secret)
		_, _ = io.ReadFull(h, out)
	}
	return out
}
