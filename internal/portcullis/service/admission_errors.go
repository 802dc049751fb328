package service

import (
	"errors"
	"fmt"
)

// Kind classifies why a scan was refused. Each kind maps to exactly one
// display code so the door panel can show it.
type Kind int

const (
	KindGenericInternal Kind = iota
	KindMalformedEncoding
	KindInvalidSignature
	KindExpired
	KindUnknownMemberOrInactive
	KindDayticketNotFound
	KindDayticketExpired
	KindOtherTicketNotFoundOrInactive
	KindOutOfHoursRestriction
	KindSecondaryFactorMismatch
	KindReplayDetected
)

// CodeGranted is shown when the door opens.
const CodeGranted byte = 'K'

var kindInfo = map[Kind]struct {
	name string
	code byte
}{
	KindGenericInternal:               {"generic_internal", 'E'},
	KindMalformedEncoding:             {"malformed_encoding", 'Q'},
	KindInvalidSignature:              {"invalid_signature", 'S'},
	KindExpired:                       {"expired", 'X'},
	KindUnknownMemberOrInactive:       {"unknown_member_or_inactive", 'C'},
	KindDayticketNotFound:             {"dayticket_not_found", 'F'},
	KindDayticketExpired:              {"dayticket_expired", 'D'},
	KindOtherTicketNotFoundOrInactive: {"other_ticket_not_found_or_inactive", 'O'},
	KindOutOfHoursRestriction:         {"out_of_hours_restriction", 'M'},
	KindSecondaryFactorMismatch:       {"secondary_factor_mismatch", 'T'},
	KindReplayDetected:                {"replay_detected", 'R'},
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind_%d", int(k))
}

// DisplayCode is the status byte sent to the door display.
func (k Kind) DisplayCode() byte {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return kindInfo[KindGenericInternal].code
}

// KindForCode reverses DisplayCode. Unknown codes map to KindGenericInternal.
func KindForCode(code byte) Kind {
	for k, info := range kindInfo {
		if info.code == code {
			return k
		}
	}
	return KindGenericInternal
}

// Error is an admission refusal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) DisplayCode() byte { return e.Kind.DisplayCode() }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindGenericInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the refusal kind from any error chain. Errors that are
// not admission refusals are internal faults.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindGenericInternal
}

// DisplayCodeFor returns the status byte for the outcome of a decision.
func DisplayCodeFor(err error) byte {
	if err == nil {
		return CodeGranted
	}
	return KindOf(err).DisplayCode()
}
