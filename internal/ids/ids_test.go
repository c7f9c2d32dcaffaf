package ids

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSequentialIDsAreOrdered(t *testing.T) {
	now := time.Now()
	prev := NewSequentialID(now)
	for i := 0; i < 100; i++ {
		next := NewSequentialID(now)
		if next <= prev {
			t.Fatalf("ids not monotonic: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestEntityIDIsUUID(t *testing.T) {
	if _, err := uuid.Parse(NewEntityID()); err != nil {
		t.Fatalf("expected uuid: %v", err)
	}
}
