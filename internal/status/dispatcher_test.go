package status_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/status"
	mock_status "github.com/punchamoorthee/walletcore/internal/status/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDBDown = errors.New("connection refused")

func fastRetries(maxAttempts int) status.DispatcherConfig {
	return status.DispatcherConfig{
		Workers:     1,
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDispatcher_NotifySucceedsSynchronously(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	engine := mock_status.NewMockRecomputer(ctrl)
	id := uuid.New()
	engine.EXPECT().Recompute(gomock.Any(), id).Return(domain.StatusComplianceReview, nil).Times(1)

	d := status.NewDispatcher(engine, fastRetries(3), nil)
	d.Notify(context.Background(), id)

	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_RetriesUntilRecovered(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	engine := mock_status.NewMockRecomputer(ctrl)
	id := uuid.New()
	gomock.InOrder(
		engine.EXPECT().Recompute(gomock.Any(), id).Return(domain.TransactionStatus(""), errDBDown),
		engine.EXPECT().Recompute(gomock.Any(), id).Return(domain.TransactionStatus(""), errDBDown),
		engine.EXPECT().Recompute(gomock.Any(), id).Return(domain.StatusAvailable, nil),
	)

	d := status.NewDispatcher(engine, fastRetries(5), nil)
	d.Notify(context.Background(), id)
	require.Equal(t, 1, d.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	engine := mock_status.NewMockRecomputer(ctrl)
	id := uuid.New()
	// One synchronous call plus two background attempts.
	engine.EXPECT().Recompute(gomock.Any(), id).Return(domain.TransactionStatus(""), errDBDown).Times(3)

	d := status.NewDispatcher(engine, fastRetries(2), nil)
	d.Notify(context.Background(), id)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestDispatcher_CoalescesPendingRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	engine := mock_status.NewMockRecomputer(ctrl)
	id := uuid.New()
	other := uuid.New()
	engine.EXPECT().Recompute(gomock.Any(), id).Return(domain.TransactionStatus(""), errDBDown).Times(3)
	engine.EXPECT().Recompute(gomock.Any(), other).Return(domain.TransactionStatus(""), errDBDown).Times(1)

	d := status.NewDispatcher(engine, fastRetries(5), nil)
	ctx := context.Background()
	d.Notify(ctx, id)
	d.Notify(ctx, id)
	d.Notify(ctx, id)
	d.Notify(ctx, other)

	assert.Equal(t, 2, d.Pending())
}
