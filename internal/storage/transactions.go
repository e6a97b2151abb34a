package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"goflare.io/aegis/pkg/driver"
)

// BeginTransaction opens a backend transaction and tracks its id so that
// commit and rollback can reject handles this orchestrator never issued.
// Backends without transaction support surface driver.ErrTxNotSupported.
func (o *Orchestrator) BeginTransaction(ctx context.Context, isolation string) (*driver.Transaction, error) {
	v, err := o.run(ctx, "begin_transaction", "", func(ctx context.Context) (any, error) {
		tx, err := o.backend.BeginTransaction(ctx, isolation)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.openTx[tx.ID] = struct{}{}
		o.mu.Unlock()
		return tx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*driver.Transaction), nil
}

// CommitTransaction commits an open transaction.
func (o *Orchestrator) CommitTransaction(ctx context.Context, txID string) error {
	_, err := o.run(ctx, "commit_transaction", "", func(ctx context.Context) (any, error) {
		if err := o.claimTransaction(txID); err != nil {
			return nil, err
		}
		if err := o.backend.CommitTransaction(ctx, txID); err != nil {
			return nil, err
		}
		o.auditRecord(ctx, auditRecord{
			action:     "transaction_commit",
			resourceID: txID,
			success:    true,
		})
		return nil, nil
	})
	return err
}

// RollbackTransaction aborts an open transaction.
func (o *Orchestrator) RollbackTransaction(ctx context.Context, txID string) error {
	_, err := o.run(ctx, "rollback_transaction", "", func(ctx context.Context) (any, error) {
		if err := o.claimTransaction(txID); err != nil {
			return nil, err
		}
		if err := o.backend.RollbackTransaction(ctx, txID); err != nil {
			return nil, err
		}
		o.auditRecord(ctx, auditRecord{
			action:     "transaction_rollback",
			resourceID: txID,
			success:    true,
		})
		return nil, nil
	})
	return err
}

// claimTransaction removes the id from the open set, exactly once.
func (o *Orchestrator) claimTransaction(txID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.openTx[txID]; !ok {
		return &TransactionNotFoundError{ID: txID}
	}
	delete(o.openTx, txID)
	return nil
}

// rollbackOpenTransactions aborts everything still open, used during
// shutdown so the backend is not left holding locks.
func (o *Orchestrator) rollbackOpenTransactions(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.openTx))
	for id := range o.openTx {
		ids = append(ids, id)
	}
	o.openTx = make(map[string]struct{})
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.backend.RollbackTransaction(ctx, id); err != nil && !errors.Is(err, driver.ErrTxNotSupported) {
			o.logger.Warn("Failed to roll back open transaction on close",
				zap.String("transaction", id), zap.Error(err))
		}
	}
}
