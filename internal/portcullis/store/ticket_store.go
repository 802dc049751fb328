package store

import (
	"context"
	"time"
)

// DayTicketRecord is a single-day pass. ExpiresAt is unix seconds; zero
// means issued but not yet activated by a scan.
type DayTicketRecord struct {
	ID        uint32
	BatchID   string
	ExpiresAt int64
	CreatedAt time.Time
}

func (r DayTicketRecord) Activated() bool { return r.ExpiresAt != 0 }

type DayTicketStore interface {
	GetDayTicket(ctx context.Context, id uint32) (DayTicketRecord, bool, error)
	// SetDayTicketExpiry activates a ticket. It only writes when the ticket
	// is still unactivated and reports whether this call did the write.
	SetDayTicketExpiry(ctx context.Context, id uint32, expiresAt int64) (bool, error)
	CreateDayTickets(ctx context.Context, batchID string, n int) ([]DayTicketRecord, error)
}

type OtherTicketRecord struct {
	ID     uint32
	Name   string
	Active bool
}

type OtherTicketStore interface {
	GetOtherTicket(ctx context.Context, id uint32) (OtherTicketRecord, bool, error)
}
