package storage_test

import (
	"testing"

	"github.com/tcfw/btcbridge/pkg/storage"
	"github.com/tcfw/btcbridge/pkg/storage/storagetest"
)

func TestMemStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemStore()
	})
}
