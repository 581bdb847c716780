package ingest

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Mindburn-Labs/helm-governor/pkg/database"
	"github.com/Mindburn-Labs/helm-governor/pkg/dedupe"
	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
)

// Admitter performs exactly-once admission of a canonical event. It reports false,
// with no error, when the event was already admitted.
type Admitter interface {
	Admit(ctx context.Context, e *ledger.Event) (bool, error)
}

// TxAdmitter runs the dedupe insert and the ledger append in one database
// transaction, so an event is either in both or in neither.
type TxAdmitter struct {
	dedupe *dedupe.SQLStore
	ledger *ledger.Store
}

// NewTxAdmitter requires both stores to share a database.
func NewTxAdmitter(d *dedupe.SQLStore, l *ledger.Store) *TxAdmitter {
	return &TxAdmitter{dedupe: d, ledger: l}
}

// Admit implements Admitter.
func (a *TxAdmitter) Admit(ctx context.Context, e *ledger.Event) (bool, error) {
	var admitted bool
	err := database.InTx(ctx, a.ledger.DB().DB, func(tx *sql.Tx) error {
		ok, err := a.dedupe.TryAdmitTx(ctx, tx, e.Hash)
		if err != nil || !ok {
			return err
		}
		if err := a.ledger.AppendTx(ctx, tx, e); err != nil {
			return err
		}
		admitted = true
		return nil
	})
	// The dedupe entry expired but the ledger still holds the event.
	if errors.Is(err, ledger.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// Forgetter is implemented by dedupe stores that can drop an entry again.
type Forgetter interface {
	Forget(ctx context.Context, hash string) error
}

// ChainAdmitter is for dedupe stores outside the ledger database. The ledger unique
// constraint is the backstop: a duplicate append reads as already processed.
type ChainAdmitter struct {
	dedupe dedupe.Store
	ledger *ledger.Store
}

func NewChainAdmitter(d dedupe.Store, l *ledger.Store) *ChainAdmitter {
	return &ChainAdmitter{dedupe: d, ledger: l}
}

// Admit implements Admitter. If the append fails for a reason other than a duplicate,
// the dedupe entry is released so a redelivery can succeed.
func (a *ChainAdmitter) Admit(ctx context.Context, e *ledger.Event) (bool, error) {
	ok, err := a.dedupe.TryAdmit(ctx, e.Hash)
	if err != nil || !ok {
		return false, err
	}
	err = a.ledger.Append(ctx, e)
	if errors.Is(err, ledger.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		if f, ok := a.dedupe.(Forgetter); ok {
			if ferr := f.Forget(ctx, e.Hash); ferr != nil {
				return false, errors.Join(err, ferr)
			}
		}
		return false, err
	}
	return true, nil
}
