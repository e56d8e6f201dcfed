package pipe

import "testing"

func TestProduceConsumeRoundTrip(t *testing.T) {
	p := New(16)

	n := copy(p.Wdata(), []byte("hello"))
	p.Produce(n)

	if got := string(p.Rdata()); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}

	p.ConsumeExact(5)

	if !p.Empty() {
		t.Error("expected pipe to be empty after consuming all produced bytes")
	}
}

func TestConsumePredicateReturnsCountActuallyConsumed(t *testing.T) {
	p := New(16)
	n := copy(p.Wdata(), []byte("abcdef"))
	p.Produce(n)

	consumed := p.Consume(func(data []byte) int {
		return 3
	})

	if consumed != 3 {
		t.Errorf("expected 3 consumed, got %d", consumed)
	}
	if got := string(p.Rdata()); got != "def" {
		t.Errorf("expected remaining %q, got %q", "def", got)
	}
}

func TestCompactMovesUnreadBytesToOrigin(t *testing.T) {
	p := New(16)
	n := copy(p.Wdata(), []byte("0123456789"))
	p.Produce(n)
	p.ConsumeExact(7)

	p.Compact()

	if p.read != 0 {
		t.Errorf("expected read cursor at 0 after compact, got %d", p.read)
	}
	if got := string(p.Rdata()); got != "789" {
		t.Errorf("expected %q, got %q", "789", got)
	}
}

func TestShrinkOnlyWhenEmpty(t *testing.T) {
	p := New(16)
	p.EnsureCapacity(DefaultCapacity * 2)
	n := copy(p.Wdata(), []byte("x"))
	p.Produce(n)

	p.Shrink()
	if p.Cap() <= DefaultCapacity {
		t.Error("shrink should not have run while the pipe was non-empty")
	}

	p.ConsumeExact(1)
	p.Shrink()
	if p.Cap() != DefaultCapacity {
		t.Errorf("expected shrink to reset capacity to %d, got %d", DefaultCapacity, p.Cap())
	}
}

func TestProduceBeyondCapacityPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for over-produce")
		}
	}()
	p := New(4)
	p.Produce(100)
}

func TestEnsureCapacityGrowsWithoutLosingUnreadData(t *testing.T) {
	p := New(4)
	n := copy(p.Wdata(), []byte("ab"))
	p.Produce(n)

	p.EnsureCapacity(100)

	if got := string(p.Rdata()); got != "ab" {
		t.Errorf("expected unread data preserved as %q, got %q", "ab", got)
	}
	if p.Cap() < 102 {
		t.Errorf("expected capacity to grow to fit request, got %d", p.Cap())
	}
}
