package shard

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestIndex_SingleShard(t *testing.T) {
	// With numShards=1, every key should go to shard 0
	keys := []string{"", "a", "subscriber-1", "5b4c7a2e-6a47-4c1f-9d39-0c8b2e1f7a10"}
	for _, key := range keys {
		if got := Index(key, 1); got != 0 {
			t.Errorf("Index(%q, 1) = %d, want 0", key, got)
		}
	}
}

func TestIndex_ZeroShards(t *testing.T) {
	// Zero or negative shards should be treated as 1
	if got := Index("a", 0); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := Index("a", -1); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestIndex_InRange(t *testing.T) {
	tests := []int{2, 3, 16, 64, 256}
	for _, numShards := range tests {
		for i := 0; i < 500; i++ {
			got := Index(fmt.Sprintf("key-%d", i), numShards)
			if got < 0 || got >= numShards {
				t.Fatalf("Index(key-%d, %d) = %d out of range", i, numShards, got)
			}
		}
	}
}

func TestIndex_Distribution(t *testing.T) {
	// Random subscriber ids should spread across most shards
	numShards := 16
	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		counts[Index(uuid.NewString(), numShards)]++
	}
	if len(counts) < numShards/2 {
		t.Errorf("expected distribution across shards, got only %d unique shards", len(counts))
	}
}

func TestIndex_Deterministic(t *testing.T) {
	key := uuid.NewString()
	first := Index(key, 256)
	for i := 0; i < 100; i++ {
		if got := Index(key, 256); got != first {
			t.Errorf("expected deterministic result %d, got %d on iteration %d", first, got, i)
		}
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		key       string
		numShards int
		expected  string
	}{
		{"a", 1, "00"},
		{"a", 0, "00"},
	}
	for _, tt := range tests {
		if got := Label(tt.key, tt.numShards); got != tt.expected {
			t.Errorf("Label(%q, %d) = %q, want %q", tt.key, tt.numShards, got, tt.expected)
		}
	}

	label := Label("subscriber", 256)
	if len(label) != 2 {
		t.Errorf("expected two hex digits, got %q", label)
	}
	if label != fmt.Sprintf("%02x", Index("subscriber", 256)) {
		t.Errorf("label %q does not match index", label)
	}
}
