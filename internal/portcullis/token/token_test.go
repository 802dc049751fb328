package token_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/portcullis/token"
)

var testNow = time.Date(2026, 5, 12, 10, 30, 0, 0, time.UTC)

func newTestCodec(t *testing.T, alg token.Algorithm) (*token.Codec, *clock.FakeClock) {
	t.Helper()

	c := clock.Fake(testNow)
	codec, err := token.New(token.Config{
		Secret:    []byte("test-secret-do-not-use"),
		Algorithm: alg,
	}, token.WithClock(c))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	return codec, c
}

// ── Round trip ───────────────────────────────────────────────────────────────

func TestCodec_RoundTrip(t *testing.T) {
	for _, alg := range []token.Algorithm{token.SHAKE256, token.BLAKE3} {
		t.Run(string(alg), func(t *testing.T) {
			codec, _ := newTestCodec(t, alg)

			cases := []struct {
				subject uint32
				typ     token.Type
				media   token.Media
			}{
				{1, token.TypeNormal, token.MediaPrint},
				{42, token.TypeOffpeak, token.MediaDigital | token.MediaApple},
				{7, token.TypeDayTicket, token.MediaPrint},
				{1 << 31, token.TypeJuniorHold, token.MediaAndroid},
				{^uint32(0), token.TypeChildHold, 0},
				{99, token.TypeOther, token.MediaDigital},
				{36 << 16, token.TypeNormal, token.MediaPrint},
				{81 << 16, token.TypeOffpeak, token.MediaPrint},
			}

			for _, tc := range cases {
				enc, err := codec.Generate(tc.subject, tc.typ, tc.media, 24*time.Hour)
				if err != nil {
					t.Fatalf("Generate: %v", err)
				}
				if len(enc) != codec.EncodedLen() {
					t.Fatalf("encoded length %d, want %d", len(enc), codec.EncodedLen())
				}

				claims, err := codec.Verify(enc)
				if err != nil {
					t.Fatalf("Verify(%q): %v", enc, err)
				}
				if claims.SubjectID != tc.subject || claims.Type != tc.typ || claims.Media != tc.media {
					t.Errorf("claims = %+v, want subject=%d type=%v media=%v", claims, tc.subject, tc.typ, tc.media)
				}
				if claims.Version != token.VersionCurrent {
					t.Errorf("version = %d, want %d", claims.Version, token.VersionCurrent)
				}
				if want := testNow.Add(24 * time.Hour).Unix(); claims.ExpiresAt.Unix() != want {
					t.Errorf("expires = %d, want %d", claims.ExpiresAt.Unix(), want)
				}
			}
		})
	}
}

func TestCodec_DefaultEncodedLength(t *testing.T) {
	codec, _ := newTestCodec(t, token.SHAKE256)
	// 12 header + 4 nonce + 10 digest = 26 bytes -> 39 Base45 symbols.
	if codec.RawLen() != 26 || codec.EncodedLen() != 39 {
		t.Errorf("raw=%d encoded=%d, want 26 and 39", codec.RawLen(), codec.EncodedLen())
	}
}

func TestCodec_NoncesDiffer(t *testing.T) {
	codec, _ := newTestCodec(t, token.SHAKE256)
	a, _ := codec.Generate(1, token.TypeNormal, token.MediaPrint, time.Hour)
	b, _ := codec.Generate(1, token.TypeNormal, token.MediaPrint, time.Hour)
	if a == b {
		t.Error("two tokens for the same claims should carry different nonces")
	}
}

func TestCodec_TrailingNewlineAccepted(t *testing.T) {
	codec, _ := newTestCodec(t, token.SHAKE256)
	enc, _ := codec.Generate(5, token.TypeNormal, token.MediaPrint, time.Hour)

	if _, err := codec.Verify(enc + "\r\n"); err != nil {
		t.Errorf("Verify with CRLF: %v", err)
	}
}

// ── Secondary code ───────────────────────────────────────────────────────────

// Space is Base45 digit 36, so a subject whose top 16 bits are 36 mod 45
// mints a token that opens with a space.
func TestCodec_LeadingSpaceKept(t *testing.T) {
	codec, _ := newTestCodec(t, token.SHAKE256)
	enc, err := codec.Generate(36<<16, token.TypeNormal, token.MediaPrint, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if enc[0] != ' ' {
		t.Fatalf("token %q does not start with a space", enc)
	}

	for _, scanned := range []string{enc, enc + "\r", enc + "\r\n", enc + "12345678\n"} {
		claims, err := codec.Verify(scanned)
		if err != nil {
			t.Fatalf("Verify(%q): %v", scanned, err)
		}
		if claims.SubjectID != 36<<16 {
			t.Errorf("subject = %d, want %d", claims.SubjectID, 36<<16)
		}
	}
}

func TestTrimLine(t *testing.T) {
	cases := map[string]string{
		" AB\r\n": " AB",
		"AB \n":  "AB ",
		"\r\n":   "",
		"AB":     "AB",
	}
	for in, want := range cases {
		if got := token.TrimLine(in); got != want {
			t.Errorf("TrimLine(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCodec_SecondaryCodeSplit(t *testing.T) {
	codec, _ := newTestCodec(t, token.SHAKE256)
	enc, _ := codec.Generate(5, token.TypeNormal, token.MediaDigital, time.Hour)

	claims, err := codec.Verify(enc + "12345678")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.SecondaryCode != "12345678" {
		t.Errorf("secondary code = %q", claims.SecondaryCode)
	}
}

func TestCodec_NonNumericSuffixMalformed(t *testing.T) {
	codec, _ := newTestCodec(t, token.SHAKE256)
	enc, _ := codec.Generate(5, token.TypeNormal, token.MediaDigital, time.Hour)

	if _, err := codec.Verify(enc + "12AB"); !errors.Is(err, token.ErrMalformedEncoding) {
		t.Errorf("expected ErrMalformedEncoding, got %v", err)
	}
}

// ── Expiry ───────────────────────────────────────────────────────────────────

func TestCodec_NegativeTTLExpired(t *testing.T) {
	codec, _ := newTestCodec(t, token.SHAKE256)
	enc, err := codec.Generate(3, token.TypeNormal, token.MediaPrint, -10*time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	claims, err := codec.Verify(enc)
	if !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if claims.SubjectID != 3 {
		t.Errorf("expired claims should still carry the subject, got %d", claims.SubjectID)
	}
}

func TestCodec_ExpiresAfterClockAdvance(t *testing.T) {
	codec, c := newTestCodec(t, token.SHAKE256)
	enc, _ := codec.Generate(3, token.TypeNormal, token.MediaPrint, time.Minute)

	c.Advance(time.Minute)
	if _, err := codec.Verify(enc); err != nil {
		t.Fatalf("token should still be valid at its expiry second: %v", err)
	}

	c.Advance(time.Second)
	if _, err := codec.Verify(enc); !errors.Is(err, token.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

// ── Malformed input ──────────────────────────────────────────────────────────

func TestCodec_MalformedInputs(t *testing.T) {
	codec, _ := newTestCodec(t, token.SHAKE256)
	enc, _ := codec.Generate(8, token.TypeNormal, token.MediaPrint, time.Hour)

	inputs := map[string]string{
		"trash":     "trash",
		"empty":     "",
		"truncated": enc[:len(enc)-1],
		"half":      enc[:len(enc)/2],
		"lowercase": strings.ToLower(enc),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Verify(in)
			if !errors.Is(err, token.ErrMalformedEncoding) {
				t.Errorf("expected ErrMalformedEncoding, got %v", err)
			}
		})
	}
}

func TestCodec_WrongSecretInvalidSignature(t *testing.T) {
	codec, c := newTestCodec(t, token.SHAKE256)
	other, err := token.New(token.Config{Secret: []byte("another-secret")}, token.WithClock(c))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}

	enc, _ := other.Generate(8, token.TypeNormal, token.MediaPrint, time.Hour)
	if _, err := codec.Verify(enc); !errors.Is(err, token.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestCodec_AlgorithmsAreNotInterchangeable(t *testing.T) {
	shake, c := newTestCodec(t, token.SHAKE256)
	b3, err := token.New(token.Config{Secret: []byte("test-secret-do-not-use"), Algorithm: token.BLAKE3}, token.WithClock(c))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}

	enc, _ := b3.Generate(8, token.TypeNormal, token.MediaPrint, time.Hour)
	if _, err := shake.Verify(enc); !errors.Is(err, token.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_RejectsEmptySecret(t *testing.T) {
	if _, err := token.New(token.Config{}); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]token.Algorithm{"": token.SHAKE256, "SHAKE256": token.SHAKE256, "blake3": token.BLAKE3} {
		got, err := token.ParseAlgorithm(in)
		if err != nil || got != want {
			t.Errorf("ParseAlgorithm(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := token.ParseAlgorithm("md5"); err == nil {
		t.Error("expected error for md5")
	}
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]token.Type{"normal": token.TypeNormal, "3": token.TypeDayTicket, "Other": token.TypeOther} {
		got, err := token.ParseType(in)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := token.ParseType("vip"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestMedia_String(t *testing.T) {
	if got := (token.MediaPrint | token.MediaApple).String(); got != "print|apple" {
		t.Errorf("got %q", got)
	}
}

func TestParseMedia(t *testing.T) {
	m, err := token.ParseMedia("Print, apple")
	if err != nil {
		t.Fatalf("ParseMedia: %v", err)
	}
	if m != token.MediaPrint|token.MediaApple {
		t.Errorf("got %s", m)
	}
	if back, _ := token.ParseMedia(m.String()); back != m {
		t.Errorf("String does not parse back: %s", back)
	}
	if _, err := token.ParseMedia("fax"); err == nil {
		t.Error("expected error for unknown media")
	}
}

func TestSeasonExpiry(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	got := token.SeasonExpiry(time.Date(2026, 12, 31, 23, 30, 0, 0, loc), loc)
	want := time.Date(2027, 1, 1, 1, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("SeasonExpiry = %v, want %v", got, want)
	}
}
