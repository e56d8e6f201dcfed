package bufpool

import (
	"context"
	"testing"

	"github.com/cachemir/kvdaemon/pkg/pipe"
)

func TestAcquireReadReportsExistingWhenConnectionAlreadyOwnsAPipe(t *testing.T) {
	p := New()
	existing := pipe.New(pipe.DefaultCapacity)

	got, outcome := p.AcquireRead(existing)
	if outcome != OutcomeExisting || got != existing {
		t.Errorf("expected OutcomeExisting with the same pipe, got %v", outcome)
	}
}

func TestAcquireReadLoansSparePipeThenAllocates(t *testing.T) {
	p := New()
	spare := pipe.New(pipe.DefaultCapacity)
	p.ReleaseRead(spare)

	got, outcome := p.AcquireRead(nil)
	if outcome != OutcomeLoaned || got != spare {
		t.Errorf("expected OutcomeLoaned with the spare pipe, got %v", outcome)
	}

	_, outcome = p.AcquireRead(nil)
	if outcome != OutcomeAllocated {
		t.Errorf("expected OutcomeAllocated once the pool is drained, got %v", outcome)
	}
}

func TestReleaseReadKeepsAtMostOneSparePipe(t *testing.T) {
	p := New()
	p.ReleaseRead(pipe.New(pipe.DefaultCapacity))
	p.ReleaseRead(pipe.New(pipe.DefaultCapacity))

	if !p.HasSpareRead() {
		t.Fatal("expected a spare read pipe to be held")
	}

	_, outcome := p.AcquireRead(nil)
	if outcome != OutcomeLoaned {
		t.Errorf("expected the first release to be loaned back out, got %v", outcome)
	}
	_, outcome = p.AcquireRead(nil)
	if outcome != OutcomeAllocated {
		t.Errorf("expected only one spare to ever have been held, got %v", outcome)
	}
}

func TestReleaseReadIgnoresNonEmptyPipe(t *testing.T) {
	p := New()
	dirty := pipe.New(pipe.DefaultCapacity)
	n := copy(dirty.Wdata(), []byte("x"))
	dirty.Produce(n)

	p.ReleaseRead(dirty)

	if p.HasSpareRead() {
		t.Error("a non-empty pipe must never be pooled")
	}
}

func TestOversizedPoolAcquireRelease(t *testing.T) {
	op, err := NewOversizedPool(64, 2)
	if err != nil {
		t.Fatalf("NewOversizedPool: %v", err)
	}
	defer op.Close()

	buf, release, err := op.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	buf.WriteString("value")
	release()

	buf2, release2, err := op.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release2()

	if buf2.Len() != 0 {
		t.Errorf("expected reused buffer to be reset, got len %d", buf2.Len())
	}
}
