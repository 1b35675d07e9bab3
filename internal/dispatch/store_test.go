package dispatch

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage/mocks"
)

var errDisk = errors.New("disk full")

func TestFlushStopsOnListError(t *testing.T) {
	store := mocks.NewOutboxStore(t)
	store.On("ListOutbox", mock.Anything, bridge.OutboxRetracted).Return(nil, errDisk)

	home := newFakeHome()
	d, _ := newDispatcher(store, home, nil)

	err := d.Flush(context.Background())
	assert.ErrorIs(t, err, errDisk)
	assert.Empty(t, home.order)
}

func TestUnrecordedAttemptIsNotSent(t *testing.T) {
	fp, dep := deposit(1, 10, 0xaa)
	e := &bridge.OutboxEntry{Fingerprint: fp, Deposit: dep, Status: bridge.OutboxPending}

	store := mocks.NewOutboxStore(t)
	store.On("ListOutbox", mock.Anything, bridge.OutboxRetracted).Return(nil, nil)
	store.On("ListOutbox", mock.Anything, bridge.OutboxFailedDelivery).Return(nil, nil)
	store.On("ListOutbox", mock.Anything, bridge.OutboxPending).Return([]*bridge.OutboxEntry{e}, nil)
	store.On("GetOutbox", mock.Anything, fp).Return(func(context.Context, bridge.Fingerprint) *bridge.OutboxEntry {
		c := *e
		return &c
	}, nil)
	store.On("UpdateOutbox", mock.Anything, mock.MatchedBy(func(e *bridge.OutboxEntry) bool {
		return e.Fingerprint == fp && e.Attempted
	})).Return(errDisk).Once()

	home := newFakeHome()
	d, _ := newDispatcher(store, home, nil)

	require.NoError(t, d.Flush(context.Background()))
	assert.Empty(t, home.order)
	assert.Equal(t, 0, home.seen[fp])
}
