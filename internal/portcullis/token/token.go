// Package token mints and verifies the compact signed credentials printed
// on membership cards, day tickets and wallet passes.
//
// An access token is a fixed 12-byte big-endian header
//
//	subject_id:4 | expires_at:4 | version:1 | token_type:1 | media:2
//
// followed by a random nonce and a truncated XOF digest over
// header || nonce || secret. The whole byte string is Base45 encoded so it
// fits a QR code in alphanumeric mode. Scanners may append a plain decimal
// one-time code after the token; it is returned to the caller unverified.
package token

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/portcullis/portcullis/internal/clock"
)

var (
	ErrMalformedEncoding = errors.New("token: malformed encoding")
	ErrInvalidSignature  = errors.New("token: invalid signature")
	ErrExpired           = errors.New("token: expired")
)

// Type is the token-type discriminant carried in the header.
type Type uint8

const (
	TypeNormal     Type = 1
	TypeOffpeak    Type = 2
	TypeDayTicket  Type = 3
	TypeJuniorHold Type = 4
	TypeChildHold  Type = 5
	TypeOther      Type = 9
)

func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeOffpeak:
		return "offpeak"
	case TypeDayTicket:
		return "dayticket"
	case TypeJuniorHold:
		return "junior_hold"
	case TypeChildHold:
		return "child_hold"
	case TypeOther:
		return "other"
	default:
		return fmt.Sprintf("type_%d", uint8(t))
	}
}

// ParseType maps a name or number to a Type.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range []Type{TypeNormal, TypeOffpeak, TypeDayTicket, TypeJuniorHold, TypeChildHold, TypeOther} {
		if s == t.String() || s == fmt.Sprint(uint8(t)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("token: unknown type %q", s)
}

// Media is a bit set describing where a token was delivered.
type Media uint16

const (
	MediaPrint   Media = 1
	MediaDigital Media = 2
	MediaAndroid Media = 4
	MediaApple   Media = 8
)

func (m Media) Has(flag Media) bool { return m&flag != 0 }

func (m Media) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		flag Media
		name string
	}{{MediaPrint, "print"}, {MediaDigital, "digital"}, {MediaAndroid, "android"}, {MediaApple, "apple"}} {
		if m.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if rest := m &^ (MediaPrint | MediaDigital | MediaAndroid | MediaApple); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseMedia reads a list of media names separated by "|" or ",".
func ParseMedia(s string) (Media, error) {
	var m Media
	for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(part) {
		case "print":
			m |= MediaPrint
		case "digital":
			m |= MediaDigital
		case "android":
			m |= MediaAndroid
		case "apple":
			m |= MediaApple
		default:
			return 0, fmt.Errorf("token: unknown media %q", part)
		}
	}
	return m, nil
}

// Header format versions. Version 0 is the original layout where the
// type occupied a big-endian u16; for every defined type its high byte is
// zero, so it decodes with the same offsets. It is accepted but never
// minted.
const (
	VersionLegacy  uint8 = 0
	VersionCurrent uint8 = 1
)

const headerSize = 12

// Claims is what a verified token asserts.
type Claims struct {
	SubjectID uint32
	Type      Type
	Media     Media
	ExpiresAt time.Time
	Version   uint8
	// SecondaryCode holds trailing digits scanned after the token, if any.
	SecondaryCode string
}

// Config controls an access-token Codec. Zero sizes take the defaults.
type Config struct {
	Secret     []byte
	NonceSize  int // default 4
	DigestSize int // default 10
	Algorithm  Algorithm
}

const (
	DefaultNonceSize  = 4
	DefaultDigestSize = 10
)

// Option customises a Codec or ScopedCodec.
type Option func(*options)

type options struct {
	clock clock.Clock
	rand  io.Reader
}

// WithClock sets the time source used for minting and expiry checks.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithRand sets the nonce source. Defaults to crypto/rand.
func WithRand(r io.Reader) Option { return func(o *options) { o.rand = r } }

func applyOptions(opts []Option) options {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Codec mints and verifies access tokens. It is safe for concurrent use.
type Codec struct {
	signer *signer
	clock  clock.Clock
}

func New(cfg Config, opts ...Option) (*Codec, error) {
	if cfg.NonceSize == 0 {
		cfg.NonceSize = DefaultNonceSize
	}
	if cfg.DigestSize == 0 {
		cfg.DigestSize = DefaultDigestSize
	}
	o := applyOptions(opts)
	s, err := newSigner(cfg.Algorithm, cfg.Secret, cfg.NonceSize, cfg.DigestSize, o.rand)
	if err != nil {
		return nil, err
	}
	return &Codec{signer: s, clock: o.clock}, nil
}

// RawLen is the length of a token before text encoding.
func (c *Codec) RawLen() int { return headerSize + c.signer.tailSize() }

// EncodedLen is the fixed length of the Base45 text of every token minted
// by this codec. Anything after it is a secondary code.
func (c *Codec) EncodedLen() int { return base45EncodedLen(c.RawLen()) }

// Generate mints a token valid for ttl from now.
func (c *Codec) Generate(subject uint32, typ Type, media Media, ttl time.Duration) (string, error) {
	return c.GenerateUntil(subject, typ, media, c.clock.Now().Add(ttl))
}

// GenerateUntil mints a token that expires at the given instant, truncated
// to whole seconds.
func (c *Codec) GenerateUntil(subject uint32, typ Type, media Media, expiresAt time.Time) (string, error) {
	exp := expiresAt.Unix()
	if exp < 0 || exp > int64(^uint32(0)) {
		return "", fmt.Errorf("token: expiry %s outside the u32 range", expiresAt.UTC().Format(time.RFC3339))
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], subject)
	binary.BigEndian.PutUint32(header[4:8], uint32(exp))
	header[8] = VersionCurrent
	header[9] = uint8(typ)
	binary.BigEndian.PutUint16(header[10:12], uint16(media))

	raw, err := c.signer.seal(header)
	if err != nil {
		return "", err
	}
	return base45Encode(raw), nil
}

// TrimLine strips the line terminators a scanner appends. Other
// whitespace is kept: space is a Base45 digit and may open a token.
func TrimLine(scanned string) string {
	return strings.TrimRight(scanned, "\r\n")
}

// Verify checks a scanned string against the current time.
func (c *Codec) Verify(scanned string) (Claims, error) {
	return c.VerifyAt(scanned, c.clock.Now())
}

// VerifyAt checks a scanned string as of now. Errors are, in order of
// precedence, ErrMalformedEncoding, ErrInvalidSignature and ErrExpired.
func (c *Codec) VerifyAt(scanned string, now time.Time) (Claims, error) {
	scanned = TrimLine(scanned)

	n := c.EncodedLen()
	if len(scanned) < n {
		return Claims{}, fmt.Errorf("%w: %d characters, need %d", ErrMalformedEncoding, len(scanned), n)
	}
	prefix, suffix := scanned[:n], scanned[n:]
	if !isDigits(suffix) {
		return Claims{}, fmt.Errorf("%w: non-numeric suffix", ErrMalformedEncoding)
	}

	raw, err := base45Decode(prefix)
	if err != nil || len(raw) != c.RawLen() {
		return Claims{}, ErrMalformedEncoding
	}

	version := raw[8]
	if version != VersionLegacy && version != VersionCurrent {
		return Claims{}, fmt.Errorf("%w: unknown header version %d", ErrMalformedEncoding, version)
	}

	header, ok := c.signer.open(raw)
	if !ok {
		return Claims{}, ErrInvalidSignature
	}

	claims := Claims{
		SubjectID:     binary.BigEndian.Uint32(header[0:4]),
		ExpiresAt:     time.Unix(int64(binary.BigEndian.Uint32(header[4:8])), 0),
		Version:       version,
		Type:          Type(header[9]),
		Media:         Media(binary.BigEndian.Uint16(header[10:12])),
		SecondaryCode: suffix,
	}

	if now.Unix() > claims.ExpiresAt.Unix() {
		return claims, ErrExpired
	}
	return claims, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// SeasonExpiry is the expiry printed on membership cards: 01:00 on
// 1 January of the year after now, in loc.
func SeasonExpiry(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	return time.Date(local.Year()+1, time.January, 1, 1, 0, 0, 0, loc)
}
