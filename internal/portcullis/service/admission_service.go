package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/portcullis/portcullis/internal/clock"
	"github.com/portcullis/portcullis/internal/portcullis/store"
	"github.com/portcullis/portcullis/internal/portcullis/token"
	"github.com/portcullis/portcullis/internal/portcullis/types"
)

// Decision describes a granted admission.
type Decision struct {
	SubjectID uint32
	Type      token.Type
	Media     token.Media
	ExpiresAt time.Time
	DecidedAt time.Time
}

type AdmissionDependencies struct {
	Codec        *token.Codec
	Members      store.MemberStore
	DayTickets   store.DayTicketStore
	OtherTickets store.OtherTicketStore
	Events       store.AccessEventStore

	// Replay is optional; nil disables anti-passback.
	Replay ReplayGuard

	Clock    clock.Clock
	Location *time.Location
	Offpeak  OffpeakPolicy
	TOTP     TOTPOptions
	Metrics  *Metrics
	Logger   logrus.FieldLogger
}

// AdmissionService turns a scanned string into a grant or a typed refusal.
type AdmissionService struct {
	codec   *token.Codec
	rules   map[token.Type]Rule
	events  store.AccessEventStore
	replay  ReplayGuard
	clock   clock.Clock
	loc     *time.Location
	metrics *Metrics
	logger  logrus.FieldLogger
}

func NewAdmissionService(d AdmissionDependencies) *AdmissionService {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.TOTP.Period == 0 {
		d.TOTP = DefaultTOTPOptions()
	}

	if d.Offpeak == (OffpeakPolicy{}) {
		d.Offpeak = DefaultOffpeakPolicy()
	}

	offpeak := d.Offpeak
	members := memberRule{members: d.Members, totp: d.TOTP}
	offpeakMembers := memberRule{members: d.Members, totp: d.TOTP, offpeak: &offpeak}

	return &AdmissionService{
		codec: d.Codec,
		rules: map[token.Type]Rule{
			token.TypeNormal:     members,
			token.TypeOffpeak:    offpeakMembers,
			token.TypeJuniorHold: members,
			token.TypeChildHold:  members,
			token.TypeDayTicket:  dayTicketRule{tickets: d.DayTickets},
			token.TypeOther:      otherTicketRule{tickets: d.OtherTickets},
		},
		events:  d.Events,
		replay:  d.Replay,
		clock:   d.Clock,
		loc:     d.Location,
		metrics: d.Metrics,
		logger:  d.Logger,
	}
}

// Decide verifies the scanned code and applies the rule for its token
// type. Refusals are returned as *Error. Every outcome is written to the
// audit log.
func (s *AdmissionService) Decide(ctx context.Context, req types.ScanRequest) (Decision, error) {
	now := s.clock.Now().In(s.loc)
	readerID := strings.TrimSpace(req.ReaderID)

	claims, err := s.codec.VerifyAt(req.Code, now)
	if err == nil {
		err = s.apply(ctx, req.Code, readerID, claims, now)
	} else {
		err = codecError(err)
	}

	s.finish(ctx, readerID, claims, now, err)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		SubjectID: claims.SubjectID,
		Type:      claims.Type,
		Media:     claims.Media,
		ExpiresAt: claims.ExpiresAt,
		DecidedAt: now,
	}, nil
}

func (s *AdmissionService) apply(ctx context.Context, code, readerID string, claims token.Claims, now time.Time) error {
	rule, ok := s.rules[claims.Type]
	if !ok {
		return newError(KindGenericInternal, "no rule for token type %d", uint8(claims.Type))
	}

	if err := rule.Validate(ctx, RuleContext{Claims: claims, Now: now, ReaderID: readerID}); err != nil {
		var ae *Error
		if !errors.As(err, &ae) {
			return internalError(err, "rule %s", claims.Type)
		}
		return err
	}

	if s.replay == nil {
		return nil
	}
	signed := token.TrimLine(code)[:s.codec.EncodedLen()]
	switch err := s.replay.Claim(ctx, replayKey(signed)); {
	case errors.Is(err, errReplay):
		return newError(KindReplayDetected, "token reused within the anti-passback window")
	case err != nil:
		return internalError(err, "replay guard")
	}
	return nil
}

func codecError(err error) *Error {
	switch {
	case errors.Is(err, token.ErrMalformedEncoding):
		return &Error{Kind: KindMalformedEncoding, Err: err}
	case errors.Is(err, token.ErrInvalidSignature):
		return &Error{Kind: KindInvalidSignature, Err: err}
	case errors.Is(err, token.ErrExpired):
		return &Error{Kind: KindExpired, Err: err}
	default:
		return internalError(err, "verify")
	}
}

// finish logs, counts and audits the outcome. A failed audit write is
// logged and does not change the decision.
func (s *AdmissionService) finish(ctx context.Context, readerID string, claims token.Claims, now time.Time, err error) {
	kind := KindOf(err)
	code := DisplayCodeFor(err)

	fields := logrus.Fields{
		"reader_id":  readerID,
		"subject_id": claims.SubjectID,
		"token_type": claims.Type.String(),
		"media":      claims.Media.String(),
		"code":       string(code),
	}
	if claims.Type == 0 {
		fields["token_type"] = ""
	}
	if err != nil {
		fields["kind"] = kind.String()
		s.logger.WithFields(fields).WithError(err).Info("admission refused")
	} else {
		s.logger.WithFields(fields).Info("admission granted")
	}

	s.metrics.observeDecision(claims.Type, err)

	reason := "granted"
	if err != nil {
		reason = kind.String()
	}
	rec := store.AccessEventRecord{
		ReaderID:    readerID,
		SubjectID:   claims.SubjectID,
		TokenType:   uint8(claims.Type),
		Media:       uint16(claims.Media),
		Granted:     err == nil,
		Reason:      reason,
		DisplayCode: code,
		DecidedAt:   now.UTC(),
	}
	if aerr := s.events.RecordEvent(ctx, rec); aerr != nil {
		s.logger.WithError(aerr).WithField("reader_id", readerID).Warn("audit write failed")
	}
}
