package repository

import (
	"context"
	"errors"
	"fmt"

	"escrowbet/database"
	"escrowbet/events"
	"escrowbet/service"

	"github.com/jackc/pgx/v5"
)

var (
	errTxActive   = errors.New("unit of work already begun")
	errTxInactive = errors.New("unit of work has no open transaction")
)

type unitOfWorkFactory struct {
	db  *database.DB
	bus *events.Bus
}

// NewUnitOfWorkFactory creates units of work over db. Committed events are emitted on bus, which may be nil.
func NewUnitOfWorkFactory(db *database.DB, bus *events.Bus) service.UnitOfWorkFactory {
	return &unitOfWorkFactory{db: db, bus: bus}
}

func (f *unitOfWorkFactory) Create() service.UnitOfWork {
	return &unitOfWork{
		db:      f.db,
		pending: events.NewTransactionalBus(f.bus),
	}
}

// unitOfWork scopes one read-committed transaction and the events raised inside it
type unitOfWork struct {
	db      *database.DB
	ctx     context.Context
	tx      pgx.Tx
	pending *events.TransactionalBus
	bets    service.BetRepository
}

func (u *unitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return errTxActive
	}

	tx, err := u.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin bet transaction: %w", err)
	}

	u.ctx, u.tx = ctx, tx
	u.bets = newBetRepositoryWithTx(tx)
	return nil
}

// Commit makes the writes durable and only then emits the events raised inside the transaction
func (u *unitOfWork) Commit() error {
	if u.tx == nil {
		return errTxInactive
	}

	tx := u.tx
	u.tx = nil
	if err := tx.Commit(u.ctx); err != nil {
		u.pending.Discard()
		return fmt.Errorf("commit bet transaction: %w", err)
	}

	u.pending.Flush()
	return nil
}

// Rollback discards writes and events. It is a no-op once the transaction has ended.
func (u *unitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}

	tx := u.tx
	u.tx = nil
	u.pending.Discard()
	if err := tx.Rollback(u.ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback bet transaction: %w", err)
	}
	return nil
}

func (u *unitOfWork) BetRepository() service.BetRepository {
	if u.bets == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.bets
}

func (u *unitOfWork) EventBus() service.EventPublisher {
	return u.pending
}
