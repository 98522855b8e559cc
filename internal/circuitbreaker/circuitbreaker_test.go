package circuitbreaker

import "testing"

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(2)

	for i := 1; i <= 2; i++ {
		if b.OnFailure() {
			t.Fatalf("failure %d must not open the breaker", i)
		}

		if b.State() != Closed {
			t.Fatalf("breaker closed expected after failure %d", i)
		}
	}

	if !b.OnFailure() {
		t.Fatal("third failure must open the breaker")
	}

	if b.State() != Open {
		t.Fatal("expected open breaker")
	}

	if b.OnFailure() {
		t.Fatal("an open breaker must not report opening twice")
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	b := New(2)

	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()

	if b.Failures() != 0 {
		t.Fatalf("expected 0 failures, got %d", b.Failures())
	}

	if b.OnFailure() || b.OnFailure() {
		t.Fatal("counter must start over after success")
	}
}

func TestCircuitBreaker_ZeroThresholdNeverOpens(t *testing.T) {
	b := New(0)

	for range 100 {
		if b.OnFailure() {
			t.Fatal("unlimited breaker opened")
		}
	}

	if b.State() != Closed {
		t.Fatal("unlimited breaker must stay closed")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	b := New(1)

	b.OnFailure()
	b.OnFailure()

	b.Reset()

	if b.State() != Closed || b.Failures() != 0 {
		t.Fatal("reset must close the breaker")
	}
}
