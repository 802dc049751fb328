package service

import (
	"context"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/portcullis/portcullis/internal/portcullis/store"
	"github.com/portcullis/portcullis/internal/portcullis/token"
)

// RuleContext is what a Rule sees for one scan.
type RuleContext struct {
	Claims   token.Claims
	Now      time.Time // in the facility's local time zone
	ReaderID string
}

// Rule applies the business rules for one token type.
type Rule interface {
	Validate(ctx context.Context, rc RuleContext) error
}

// TOTPOptions describes the one-time codes printed by wallet passes.
type TOTPOptions struct {
	Digits otp.Digits
	Period uint
	Skew   uint
}

// DefaultTOTPOptions accepts 8-digit SHA-1 codes within five 30s steps.
func DefaultTOTPOptions() TOTPOptions {
	return TOTPOptions{Digits: otp.DigitsEight, Period: 30, Skew: 5}
}

type memberRule struct {
	members store.MemberStore
	offpeak *OffpeakPolicy
	totp    TOTPOptions
}

func (r memberRule) Validate(ctx context.Context, rc RuleContext) error {
	id := rc.Claims.SubjectID

	m, found, err := r.members.GetMember(ctx, id)
	if err != nil {
		return internalError(err, "member lookup")
	}
	if !found || !m.Active {
		return newError(KindUnknownMemberOrInactive, "member %d", id)
	}

	if r.offpeak != nil && !r.offpeak.Allows(rc.Now) {
		return newError(KindOutOfHoursRestriction, "offpeak member %d at %s", id, rc.Now.Format("Mon 15:04"))
	}

	if code := rc.Claims.SecondaryCode; code != "" {
		secrets, err := r.members.GetTOTPSecrets(ctx, id)
		if err != nil {
			return internalError(err, "totp secrets lookup")
		}
		if !r.matchesAny(code, secrets, rc.Now) {
			return newError(KindSecondaryFactorMismatch, "member %d", id)
		}
	}
	return nil
}

func (r memberRule) matchesAny(code string, secrets []string, now time.Time) bool {
	opts := totp.ValidateOpts{
		Period:    r.totp.Period,
		Skew:      r.totp.Skew,
		Digits:    r.totp.Digits,
		Algorithm: otp.AlgorithmSHA1,
	}
	for _, secret := range secrets {
		ok, err := totp.ValidateCustom(code, secret, now.UTC(), opts)
		if err == nil && ok {
			return true
		}
	}
	return false
}

type dayTicketRule struct {
	tickets store.DayTicketStore
}

// Validate activates an unused ticket until the end of the local day.
// A losing concurrent activation re-reads the stored expiry and judges
// the scan against it.
func (r dayTicketRule) Validate(ctx context.Context, rc RuleContext) error {
	id := rc.Claims.SubjectID

	t, found, err := r.tickets.GetDayTicket(ctx, id)
	if err != nil {
		return internalError(err, "dayticket lookup")
	}
	if !found {
		return newError(KindDayticketNotFound, "dayticket %d", id)
	}

	if !t.Activated() {
		expires := endOfDay(rc.Now)
		activated, err := r.tickets.SetDayTicketExpiry(ctx, id, expires.Unix())
		if err != nil {
			return internalError(err, "dayticket activation")
		}
		if activated {
			return nil
		}
		if t, _, err = r.tickets.GetDayTicket(ctx, id); err != nil {
			return internalError(err, "dayticket re-read")
		}
	}

	if rc.Now.Unix() > t.ExpiresAt {
		return newError(KindDayticketExpired, "dayticket %d expired at %s", id, time.Unix(t.ExpiresAt, 0).In(rc.Now.Location()).Format(time.RFC3339))
	}
	return nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

type otherTicketRule struct {
	tickets store.OtherTicketStore
}

func (r otherTicketRule) Validate(ctx context.Context, rc RuleContext) error {
	id := rc.Claims.SubjectID

	t, found, err := r.tickets.GetOtherTicket(ctx, id)
	if err != nil {
		return internalError(err, "other ticket lookup")
	}
	if !found || !t.Active {
		return newError(KindOtherTicketNotFoundOrInactive, "ticket %d", id)
	}
	return nil
}
