package memory_test

import (
	"testing"

	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/storage/memory"
	"Survival-Chain/internal/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return memory.NewStore()
	})
}
