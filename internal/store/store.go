package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so the same store code
// runs standalone or inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stores bundles the typed stores over one DBTX.
type Stores struct {
	conversations ConversationStore
	events        EventStore
}

func NewStores(db DBTX) *Stores {
	return &Stores{
		conversations: newConversationStore(db),
		events:        newEventStore(db),
	}
}

func (s *Stores) Conversations() ConversationStore { return s.conversations }
func (s *Stores) Events() EventStore               { return s.events }
