package strategy

import (
	"testing"
	"time"
)

func TestCaptureBlocksUntilMaterialMove(t *testing.T) {
	t.Parallel()
	tab := NewCaptureTable()

	if tab.Blocked("m1", 44) {
		t.Fatal("fresh market should not be blocked")
	}
	tab.Record("m1", 44, time.Now())

	if !tab.Blocked("m1", 44) {
		t.Error("identical forecast should be blocked")
	}
	if !tab.Blocked("m1", 44.7) {
		t.Error("0.7 unit move should still be blocked")
	}
	if tab.Blocked("m1", 45.2) {
		t.Error("1.2 unit move should clear the capture")
	}
	// Clearing is a side effect: the market is now fully eligible
	if tab.Blocked("m1", 45.2) {
		t.Error("capture should stay cleared")
	}
	if tab.Len() != 0 {
		t.Errorf("captures = %d, want 0", tab.Len())
	}
}

func TestCaptureExactUnitClears(t *testing.T) {
	t.Parallel()
	tab := NewCaptureTable()
	tab.Record("m1", 44, time.Now())

	if tab.Blocked("m1", 45) {
		t.Error("exactly 1 unit should clear")
	}
}

func TestCapturesAreIndependentPerMarket(t *testing.T) {
	t.Parallel()
	tab := NewCaptureTable()
	tab.Record("m1", 44, time.Now())

	if tab.Blocked("m2", 44) {
		t.Error("capture on m1 must not block m2")
	}

	tab.Clear("m1")
	if tab.Blocked("m1", 44) {
		t.Error("cleared capture still blocking")
	}
}
