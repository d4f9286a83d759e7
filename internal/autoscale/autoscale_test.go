package autoscale

import "testing"

func TestDeepBacklogScalesUpByTwo(t *testing.T) {
	s := New(1, 10)
	if n := s.Recommend(3, 60, 1000); n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
}

func TestScaleUpIsCappedAtMax(t *testing.T) {
	s := New(1, 10)
	if n := s.Recommend(9, 60, 1000); n != 10 {
		t.Fatalf("expected cap at 10, got %d", n)
	}
	if n := s.Recommend(10, 60, 1000); n != 10 {
		t.Fatalf("expected hold at 10, got %d", n)
	}
}

func TestSlowProcessingScalesUpByOne(t *testing.T) {
	s := New(1, 10)
	if n := s.Recommend(3, 20, 200000); n != 4 {
		t.Fatalf("expected 4, got %d", n)
	}
	// slow but near-empty queue holds steady
	if n := s.Recommend(3, 5, 200000); n != 3 {
		t.Fatalf("expected hold, got %d", n)
	}
}

func TestEmptyQueueScalesDownToMin(t *testing.T) {
	s := New(1, 10)
	if n := s.Recommend(3, 0, 1000); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n := s.Recommend(1, 0, 1000); n != 1 {
		t.Fatalf("expected floor at 1, got %d", n)
	}
}

func TestOnlyFirstRuleFires(t *testing.T) {
	// deep backlog and slow processing together still only add two
	s := New(1, 10)
	if n := s.Recommend(3, 60, 200000); n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
}

func TestModerateLoadHoldsSteady(t *testing.T) {
	s := New(1, 10)
	if n := s.Recommend(3, 20, 1000); n != 3 {
		t.Fatalf("expected hold, got %d", n)
	}
}
