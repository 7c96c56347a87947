package ledger

import (
	"context"

	"github.com/google/uuid"
)

// StatusNotifier is told about every committed operation that belongs to a
// transaction. It has no error return: status recompute failures are the
// notifier's problem and never reach the ledger's caller.
//
//go:generate mockgen -destination=mocks/mock_notifier.go -source=interface.go StatusNotifier
type StatusNotifier interface {
	Notify(ctx context.Context, transactionID uuid.UUID)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, uuid.UUID) {}
