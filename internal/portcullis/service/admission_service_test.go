package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/portcullis/service"
	"github.com/portcullis/portcullis/internal/portcullis/store"
	"github.com/portcullis/portcullis/internal/portcullis/store/memory"
	"github.com/portcullis/portcullis/internal/portcullis/token"
	"github.com/portcullis/portcullis/internal/portcullis/types"
)

var facility = time.FixedZone("facility", 2*60*60)

// Tuesday morning, outside the summer exemption.
var tuesdayMorning = time.Date(2026, 5, 12, 10, 30, 0, 0, facility)

type harness struct {
	svc     *service.AdmissionService
	codec   *token.Codec
	clock   *clock.FakeClock
	members *memory.MemberStore
	tickets *memory.TicketStore
	events  *memory.AccessEventStore
	metrics *service.Metrics
	logs    *test.Hook
}

type harnessOption func(*service.AdmissionDependencies)

func withReplay(g service.ReplayGuard) harnessOption {
	return func(d *service.AdmissionDependencies) { d.Replay = g }
}

func withoutOffpeakPolicy() harnessOption {
	return func(d *service.AdmissionDependencies) { d.Offpeak = service.OffpeakPolicy{} }
}

func newHarness(t *testing.T, now time.Time, opts ...harnessOption) *harness {
	t.Helper()

	c := clock.Fake(now)
	codec, err := token.New(token.Config{Secret: []byte("admission-test-secret")}, token.WithClock(c))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		codec:   codec,
		clock:   c,
		members: memory.NewMemberStore(),
		tickets: memory.NewTicketStore(),
		events:  memory.NewAccessEventStore(),
		metrics: service.NewMetrics(prometheus.NewRegistry()),
		logs:    hook,
	}

	deps := service.AdmissionDependencies{
		Codec:        codec,
		Members:      h.members,
		DayTickets:   h.tickets,
		OtherTickets: h.tickets,
		Events:       h.events,
		Clock:        c,
		Location:     facility,
		Offpeak:      service.DefaultOffpeakPolicy(),
		Metrics:      h.metrics,
		Logger:       logger,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.svc = service.NewAdmissionService(deps)
	return h
}

func (h *harness) mint(t *testing.T, subject uint32, typ token.Type, media token.Media, ttl time.Duration) string {
	t.Helper()
	code, err := h.codec.Generate(subject, typ, media, ttl)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return code
}

func (h *harness) decide(code string) (service.Decision, error) {
	return h.svc.Decide(context.Background(), types.ScanRequest{ReaderID: "door-1", Code: code})
}

func wantKind(t *testing.T, err error, want service.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got grant", want)
	}
	var ae *service.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *service.Error, got %T: %v", err, err)
	}
	if ae.Kind != want {
		t.Fatalf("kind = %s, want %s (%v)", ae.Kind, want, err)
	}
}

// ── Member types ─────────────────────────────────────────────────────────────

func TestDecide_MemberTypes(t *testing.T) {
	for _, typ := range []token.Type{token.TypeNormal, token.TypeOffpeak, token.TypeJuniorHold, token.TypeChildHold} {
		t.Run(typ.String(), func(t *testing.T) {
			h := newHarness(t, tuesdayMorning)
			h.members.Put(store.MemberRecord{ID: 12, Active: true, MembershipType: uint8(typ)})

			d, err := h.decide(h.mint(t, 12, typ, token.MediaPrint, 24*time.Hour))
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if d.SubjectID != 12 || d.Type != typ || d.Media != token.MediaPrint {
				t.Errorf("decision = %+v", d)
			}
		})
	}
}

func TestDecide_UnknownMember(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	_, err := h.decide(h.mint(t, 404, token.TypeNormal, token.MediaPrint, time.Hour))
	wantKind(t, err, service.KindUnknownMemberOrInactive)
	if got := service.DisplayCodeFor(err); got != 'C' {
		t.Errorf("display code = %q, want 'C'", got)
	}
}

func TestDecide_DeactivatedMemberRefusedAfterGrant(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	h.members.Put(store.MemberRecord{ID: 7, Active: true})
	code := h.mint(t, 7, token.TypeNormal, token.MediaDigital, 30*24*time.Hour)

	if _, err := h.decide(code); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	h.members.SetActive(7, false)
	_, err := h.decide(code)
	wantKind(t, err, service.KindUnknownMemberOrInactive)
}

// ── Codec failures ───────────────────────────────────────────────────────────

func TestDecide_CodecFailures(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	h.members.Put(store.MemberRecord{ID: 1, Active: true})
	valid := h.mint(t, 1, token.TypeNormal, token.MediaPrint, time.Hour)

	foreign, err := token.New(token.Config{Secret: []byte("some-other-site")}, token.WithClock(h.clock))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	forged, err := foreign.Generate(1, token.TypeNormal, token.MediaPrint, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	cases := []struct {
		name string
		code string
		kind service.Kind
		disp byte
	}{
		{"trash", "trash", service.KindMalformedEncoding, 'Q'},
		{"non-digit suffix", valid + "AB", service.KindMalformedEncoding, 'Q'},
		{"foreign secret", forged, service.KindInvalidSignature, 'S'},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.decide(tc.code)
			wantKind(t, err, tc.kind)
			if got := service.DisplayCodeFor(err); got != tc.disp {
				t.Errorf("display code = %q, want %q", got, tc.disp)
			}
		})
	}
}

func TestDecide_Expired(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	h.members.Put(store.MemberRecord{ID: 1, Active: true})
	code := h.mint(t, 1, token.TypeNormal, token.MediaPrint, time.Minute)

	h.clock.Advance(time.Minute)
	if _, err := h.decide(code); err != nil {
		t.Fatalf("at expiry second: %v", err)
	}

	h.clock.Advance(time.Second)
	_, err := h.decide(code)
	wantKind(t, err, service.KindExpired)

	events := h.events.Events()
	last := events[len(events)-1]
	if last.SubjectID != 1 || last.Granted || last.DisplayCode != 'X' {
		t.Errorf("expired audit = %+v", last)
	}
}

func TestDecide_UnknownTypeIsInternal(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	_, err := h.decide(h.mint(t, 3, token.Type(7), token.MediaPrint, time.Hour))
	wantKind(t, err, service.KindGenericInternal)
	if got := service.DisplayCodeFor(err); got != 'E' {
		t.Errorf("display code = %q, want 'E'", got)
	}
}

// ── Offpeak ──────────────────────────────────────────────────────────────────

func TestDecide_OffpeakWindow(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		ok   bool
	}{
		{"weekday before cutoff", time.Date(2026, 3, 3, 14, 59, 59, 0, facility), true},
		{"weekday at cutoff", time.Date(2026, 3, 3, 15, 0, 0, 0, facility), false},
		{"weekday evening", time.Date(2026, 3, 3, 20, 0, 0, 0, facility), false},
		{"saturday evening", time.Date(2026, 3, 7, 20, 0, 0, 0, facility), true},
		{"sunday evening", time.Date(2026, 3, 8, 20, 0, 0, 0, facility), true},
		{"first exempt day", time.Date(2026, 7, 1, 18, 0, 0, 0, facility), true},
		{"last exempt day", time.Date(2026, 8, 10, 18, 0, 0, 0, facility), true},
		{"day after exemption", time.Date(2026, 8, 11, 18, 0, 0, 0, facility), false},
		{"day before exemption", time.Date(2026, 6, 30, 18, 0, 0, 0, facility), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.at)
			h.members.Put(store.MemberRecord{ID: 5, Active: true})

			_, err := h.decide(h.mint(t, 5, token.TypeOffpeak, token.MediaPrint, time.Hour))
			if tc.ok {
				if err != nil {
					t.Fatalf("expected grant, got %v", err)
				}
				return
			}
			wantKind(t, err, service.KindOutOfHoursRestriction)
		})
	}
}

func TestDecide_OffpeakDefaultsWhenUnset(t *testing.T) {
	h := newHarness(t, tuesdayMorning, withoutOffpeakPolicy())
	h.members.Put(store.MemberRecord{ID: 5, Active: true, MembershipType: uint8(token.TypeOffpeak)})
	code := h.mint(t, 5, token.TypeOffpeak, token.MediaPrint, 24*time.Hour)

	if _, err := h.decide(code); err != nil {
		t.Fatalf("weekday morning: %v", err)
	}

	h.clock.Set(time.Date(2026, 5, 12, 16, 0, 0, 0, facility))
	_, err := h.decide(code)
	wantKind(t, err, service.KindOutOfHoursRestriction)
}

func TestDecide_NormalIgnoresOffpeakWindow(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 3, 20, 0, 0, 0, facility))
	h.members.Put(store.MemberRecord{ID: 5, Active: true})
	if _, err := h.decide(h.mint(t, 5, token.TypeNormal, token.MediaPrint, time.Hour)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
}

// ── Secondary factor ─────────────────────────────────────────────────────────

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at.UTC(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsEight,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

func TestDecide_SecondaryFactor(t *testing.T) {
	const (
		phone  = "JBSWY3DPEHPK3PXP"
		watch  = "GEZDGNBVGY3TQOJQ"
		stolen = "MFRGGZDFMZTWQ2LK"
	)

	h := newHarness(t, tuesdayMorning)
	h.members.Put(store.MemberRecord{ID: 21, Active: true})
	h.members.AddTOTPSecret(21, phone)
	h.members.AddTOTPSecret(21, watch)
	base := h.mint(t, 21, token.TypeNormal, token.MediaDigital|token.MediaApple, time.Hour)

	t.Run("any secret on file matches", func(t *testing.T) {
		for _, secret := range []string{phone, watch} {
			if _, err := h.decide(base + totpCode(t, secret, tuesdayMorning)); err != nil {
				t.Errorf("secret %s: %v", secret, err)
			}
		}
	})

	t.Run("within skew", func(t *testing.T) {
		code := totpCode(t, phone, tuesdayMorning.Add(-2*time.Minute))
		if _, err := h.decide(base + code); err != nil {
			t.Errorf("two minutes old: %v", err)
		}
	})

	t.Run("foreign secret", func(t *testing.T) {
		_, err := h.decide(base + totpCode(t, stolen, tuesdayMorning))
		wantKind(t, err, service.KindSecondaryFactorMismatch)
		if got := service.DisplayCodeFor(err); got != 'T' {
			t.Errorf("display code = %q, want 'T'", got)
		}
	})

	t.Run("no secrets on file", func(t *testing.T) {
		h.members.Put(store.MemberRecord{ID: 22, Active: true})
		code := h.mint(t, 22, token.TypeNormal, token.MediaDigital, time.Hour)
		_, err := h.decide(code + "12345678")
		wantKind(t, err, service.KindSecondaryFactorMismatch)
	})

	t.Run("no code skips check", func(t *testing.T) {
		if _, err := h.decide(base); err != nil {
			t.Errorf("plain token: %v", err)
		}
	})
}

// ── Day tickets ──────────────────────────────────────────────────────────────

func TestDecide_DayTicketLifecycle(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	ctx := context.Background()

	created, err := h.tickets.CreateDayTickets(ctx, "batch-1", 1)
	if err != nil {
		t.Fatalf("CreateDayTickets: %v", err)
	}
	id := created[0].ID
	code := h.mint(t, id, token.TypeDayTicket, token.MediaPrint, 90*24*time.Hour)

	if _, err := h.decide(code); err != nil {
		t.Fatalf("activation scan: %v", err)
	}

	rec, _, _ := h.tickets.GetDayTicket(ctx, id)
	want := time.Date(2026, 5, 12, 23, 59, 59, 0, facility).Unix()
	if rec.ExpiresAt != want {
		t.Fatalf("expires_at = %d, want %d", rec.ExpiresAt, want)
	}

	h.clock.Set(time.Date(2026, 5, 12, 23, 59, 59, 0, facility))
	if _, err := h.decide(code); err != nil {
		t.Fatalf("same-day rescan: %v", err)
	}
	if again, _, _ := h.tickets.GetDayTicket(ctx, id); again.ExpiresAt != want {
		t.Errorf("rescan mutated expiry to %d", again.ExpiresAt)
	}

	h.clock.Set(time.Date(2026, 5, 13, 9, 0, 0, 0, facility))
	_, err = h.decide(code)
	wantKind(t, err, service.KindDayticketExpired)
	if got := service.DisplayCodeFor(err); got != 'D' {
		t.Errorf("display code = %q, want 'D'", got)
	}
}

func TestDecide_DayTicketNotFound(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	_, err := h.decide(h.mint(t, 999, token.TypeDayTicket, token.MediaPrint, time.Hour))
	wantKind(t, err, service.KindDayticketNotFound)
}

func TestDecide_DayTicketConcurrentActivation(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	created, _ := h.tickets.CreateDayTickets(context.Background(), "batch-2", 1)
	code := h.mint(t, created[0].ID, token.TypeDayTicket, token.MediaPrint, time.Hour)

	const scans = 8
	errs := make(chan error, scans)
	var wg sync.WaitGroup
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.decide(code)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent scan refused: %v", err)
		}
	}
}

// ── Other tickets ────────────────────────────────────────────────────────────

func TestDecide_OtherTicket(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	h.tickets.PutOtherTicket(store.OtherTicketRecord{ID: 30, Name: "guest", Active: true})
	h.tickets.PutOtherTicket(store.OtherTicketRecord{ID: 31, Name: "revoked", Active: false})

	if _, err := h.decide(h.mint(t, 30, token.TypeOther, token.MediaPrint, time.Hour)); err != nil {
		t.Fatalf("active ticket: %v", err)
	}
	for _, id := range []uint32{31, 32} {
		_, err := h.decide(h.mint(t, id, token.TypeOther, token.MediaPrint, time.Hour))
		wantKind(t, err, service.KindOtherTicketNotFoundOrInactive)
	}
}

// ── Audit ────────────────────────────────────────────────────────────────────

func TestDecide_AuditsEveryOutcome(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	h.members.Put(store.MemberRecord{ID: 1, Active: true})

	_, _ = h.decide(h.mint(t, 1, token.TypeNormal, token.MediaApple, time.Hour))
	_, _ = h.decide(h.mint(t, 2, token.TypeNormal, token.MediaPrint, time.Hour))
	_, _ = h.decide("garbage")

	events := h.events.Events()
	if len(events) != 3 {
		t.Fatalf("recorded %d events, want 3", len(events))
	}

	granted := events[0]
	if !granted.Granted || granted.SubjectID != 1 || granted.Media != uint16(token.MediaApple) ||
		granted.TokenType != uint8(token.TypeNormal) || granted.DisplayCode != 'K' || granted.ReaderID != "door-1" {
		t.Errorf("grant event = %+v", granted)
	}
	if !granted.DecidedAt.Equal(tuesdayMorning) {
		t.Errorf("decided_at = %s, want %s", granted.DecidedAt, tuesdayMorning)
	}

	if events[1].Granted || events[1].Reason != service.KindUnknownMemberOrInactive.String() {
		t.Errorf("refusal event = %+v", events[1])
	}
	if events[2].Granted || events[2].DisplayCode != 'Q' || events[2].SubjectID != 0 {
		t.Errorf("malformed event = %+v", events[2])
	}
}

func TestDecide_AuditFailureDoesNotChangeDecision(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	h.members.Put(store.MemberRecord{ID: 1, Active: true})
	h.events.FailWrites(true)

	if _, err := h.decide(h.mint(t, 1, token.TypeNormal, token.MediaPrint, time.Hour)); err != nil {
		t.Fatalf("grant lost to audit failure: %v", err)
	}

	var warned bool
	for _, e := range h.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "audit") {
			warned = true
		}
	}
	if !warned {
		t.Error("audit failure was not logged")
	}
}

// ── Replay guard ─────────────────────────────────────────────────────────────

func TestDecide_ReplayGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	guards := map[string]func(c clock.Clock) service.ReplayGuard{
		"memory": func(c clock.Clock) service.ReplayGuard { return service.NewMemoryReplayGuard(time.Minute, c) },
		"redis":  func(clock.Clock) service.ReplayGuard { return service.NewRedisReplayGuard(rdb, time.Minute) },
	}

	for name, mk := range guards {
		t.Run(name, func(t *testing.T) {
			mr.FlushAll()
			c := clock.Fake(tuesdayMorning)
			h := newHarness(t, tuesdayMorning, withReplay(mk(c)))
			h.members.Put(store.MemberRecord{ID: 1, Active: true})
			code := h.mint(t, 1, token.TypeNormal, token.MediaPrint, time.Hour)

			if _, err := h.decide(code); err != nil {
				t.Fatalf("first scan: %v", err)
			}
			_, err := h.decide(code)
			wantKind(t, err, service.KindReplayDetected)

			// A refused scan does not claim the token.
			other := h.mint(t, 2, token.TypeNormal, token.MediaPrint, time.Hour)
			_, _ = h.decide(other)
			h.members.Put(store.MemberRecord{ID: 2, Active: true})
			if _, err := h.decide(other); err != nil {
				t.Fatalf("token refused earlier was claimed: %v", err)
			}

			c.Advance(time.Minute)
			mr.FastForward(time.Minute)
			if _, err := h.decide(code); err != nil {
				t.Fatalf("after window: %v", err)
			}
		})
	}
}

func TestDecide_ReplayGuardKeepsLeadingSpace(t *testing.T) {
	c := clock.Fake(tuesdayMorning)
	h := newHarness(t, tuesdayMorning, withReplay(service.NewMemoryReplayGuard(time.Minute, c)))
	h.members.Put(store.MemberRecord{ID: 36 << 16, Active: true})
	code := h.mint(t, 36<<16, token.TypeNormal, token.MediaPrint, time.Hour)

	if _, err := h.decide(code + "\r\n"); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	_, err := h.decide(code)
	wantKind(t, err, service.KindReplayDetected)
}

// ── Metrics ──────────────────────────────────────────────────────────────────

func TestDecide_CountsOutcomes(t *testing.T) {
	h := newHarness(t, tuesdayMorning)
	h.members.Put(store.MemberRecord{ID: 1, Active: true})

	_, _ = h.decide(h.mint(t, 1, token.TypeNormal, token.MediaPrint, time.Hour))
	_, _ = h.decide(h.mint(t, 1, token.TypeNormal, token.MediaPrint, time.Hour))
	_, _ = h.decide(h.mint(t, 9, token.TypeNormal, token.MediaPrint, time.Hour))
	_, _ = h.decide("x")

	if got := testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("normal", "granted")); got != 2 {
		t.Errorf("granted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("normal", "unknown_member_or_inactive")); got != 1 {
		t.Errorf("unknown member = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.Decisions.WithLabelValues("unknown", "malformed_encoding")); got != 1 {
		t.Errorf("malformed = %v, want 1", got)
	}
}
