package snapshot

import (
	"errors"
	"testing"
)

func TestComponentHistoryAtOrBefore(t *testing.T) {
	h := NewComponentHistory[int](3)
	for i := 1; i <= 4; i++ {
		if err := h.Insert(i*10, uint32(i), float64(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	tests := []struct {
		name    string
		ts      float64
		want    int
		wantErr bool
	}{
		{"exact match", 3, 30, false},
		{"between values", 3.5, 30, false},
		{"after newest", 99, 40, false},
		{"before oldest retained", 1.5, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := h.AtOrBefore(tt.ts)
			if tt.wantErr {
				if !errors.Is(err, ErrSnapshotLookup) {
					t.Errorf("Expected ErrSnapshotLookup, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Value() != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, s.Value())
			}
		})
	}
}

func TestComponentHistoryOrdering(t *testing.T) {
	h := NewComponentHistory[string](4)
	if err := h.Insert("a", 5, 1.0); err != nil {
		t.Fatal(err)
	}
	if err := h.Insert("b", 4, 2.0); !errors.Is(err, ErrStaleTick) {
		t.Errorf("Expected ErrStaleTick, got %v", err)
	}
	if err := h.Insert("b", 5, 1.0); !errors.Is(err, ErrStaleTimestamp) {
		t.Errorf("Expected ErrStaleTimestamp, got %v", err)
	}
	if h.Len() != 1 {
		t.Errorf("Expected len 1, got %d", h.Len())
	}
	if _, err := NewComponentHistory[string](0).AtOrBefore(1); !errors.Is(err, ErrSnapshotLookup) {
		t.Errorf("empty history lookup: got %v", err)
	}
}
