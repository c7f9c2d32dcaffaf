package redis

import (
	"context"
	"testing"
)

func TestOpenRequiresAddress(t *testing.T) {
	if (Config{}).Enabled() {
		t.Fatalf("empty config should be disabled")
	}
	if _, err := Open(context.Background(), Config{Address: "  "}); err == nil {
		t.Fatalf("expected error for blank address")
	}
}
