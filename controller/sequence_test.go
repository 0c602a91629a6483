package controller

import (
	"context"
	"testing"
)

func TestLocalSequenceGenerator_PerKeyMonotonic(t *testing.T) {
	gen := NewLocalSequenceGenerator()
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		seq, err := gen.Next(ctx, "order-1")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if seq != i {
			t.Fatalf("order-1 seq = %d, want %d", seq, i)
		}
	}

	seq, err := gen.Next(ctx, "order-2")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if seq != 1 {
		t.Fatalf("order-2 first seq = %d, want 1 (independent per entity key)", seq)
	}
}
