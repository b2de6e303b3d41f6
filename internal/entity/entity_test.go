package entity

import "testing"

// TestVec2 checks the vector helpers used by movement and culling
func TestVec2(t *testing.T) {
	a := Vec2{3, 4}

	if got := a.Len(); got != 5 {
		t.Errorf("Expected length 5, got %v", got)
	}
	if got := a.Distance(Vec2{}); got != 5 {
		t.Errorf("Expected distance 5, got %v", got)
	}
	if got := a.Add(Vec2{1, 1}).Scale(2); got != (Vec2{8, 10}) {
		t.Errorf("Expected (8,10), got %v", got)
	}
	if got := (Vec2{}).Normalize(); got != (Vec2{}) {
		t.Errorf("Expected zero vector to stay zero, got %v", got)
	}
	if got := a.Normalize(); got != (Vec2{0.6, 0.8}) {
		t.Errorf("Expected (0.6,0.8), got %v", got)
	}
}
