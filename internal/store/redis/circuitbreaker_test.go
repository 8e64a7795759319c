package redis

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("fail")

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed", cb.CurrentState())
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("Execute = %v, want errFail", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("state after 3 failures = %v, want open", cb.CurrentState())
	}

	// Open breaker rejects without running fn.
	ran := false
	if err := cb.Execute(func() error { ran = true; return nil }); err != ErrCircuitOpen {
		t.Errorf("Execute = %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Error("fn ran while breaker open")
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errFail })
	}
	if cb.CurrentState() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe = %v, want nil", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", cb.CurrentState())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return errFail })
	}

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return errFail })

	if cb.CurrentState() != StateOpen {
		t.Errorf("state after failed probe = %v, want open", cb.CurrentState())
	}
}

func TestCircuitBreakerSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Execute(func() error { return errFail })
	time.Sleep(20 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	ran := false
	if err := cb.Execute(func() error { ran = true; return nil }); err != ErrCircuitOpen {
		t.Fatalf("concurrent call = %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Error("fn ran while the probe was in flight")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe = %v, want nil", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("state after probe = %v, want closed", cb.CurrentState())
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errFail })
	cb.Execute(func() error { return errFail })

	if cb.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed (success resets the counter)", cb.CurrentState())
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(1, 50*time.Millisecond)
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	cb.Execute(func() error { return errFail })
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("transitions = %v, want [open]", transitions)
	}

	time.Sleep(60 * time.Millisecond)
	cb.Execute(func() error { return nil })

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}
