package unread

import "testing"

func TestLedgerReplace(t *testing.T) {
	l := NewLedger()
	l.Replace(map[string]int{"a": 2, "b": 3, "c": 0, "d": -1})

	counts, total := l.Snapshot()
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(counts) != 2 {
		t.Errorf("expected non-positive counts dropped, got %v", counts)
	}
	if counts["a"] != 2 || counts["b"] != 3 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestLedgerTotalEqualsSum(t *testing.T) {
	l := NewLedger()
	l.Replace(map[string]int{"a": 4, "b": 1, "c": 7})
	l.Clear("b")

	counts, total := l.Snapshot()
	sum := 0
	for _, n := range counts {
		sum += n
	}
	if total != sum {
		t.Fatalf("total %d diverged from sum %d", total, sum)
	}
}

func TestLedgerClear(t *testing.T) {
	l := NewLedger()
	l.Replace(map[string]int{"a": 4, "b": 1})

	if removed := l.Clear("a"); removed != 4 {
		t.Errorf("expected Clear to return 4, got %d", removed)
	}
	if l.Count("a") != 0 {
		t.Error("cleared peer should read zero")
	}
	if l.Total() != 1 {
		t.Errorf("expected total 1, got %d", l.Total())
	}

	// Clearing an absent peer is a no-op.
	if removed := l.Clear("a"); removed != 0 {
		t.Errorf("second clear should remove nothing, got %d", removed)
	}
	if l.Total() != 1 {
		t.Errorf("total moved on no-op clear: %d", l.Total())
	}
}

func TestLedgerNeverNegative(t *testing.T) {
	l := NewLedger()
	l.Clear("ghost")
	if l.Total() < 0 {
		t.Fatalf("total went negative: %d", l.Total())
	}
	l.Replace(map[string]int{"a": 1})
	l.Clear("a")
	l.Clear("a")
	if l.Total() != 0 {
		t.Fatalf("expected total 0, got %d", l.Total())
	}
}
