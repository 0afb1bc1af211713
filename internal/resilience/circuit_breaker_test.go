package resilience

import (
	"testing"
	"time"

	"github.com/ocivoice/agent-plugins/internal/voice"
)

// flakySynthesizer fails a fixed number of calls before recovering,
// the shape of an outage on a synthesis endpoint.
type flakySynthesizer struct {
	failures int
	calls    int
}

func (f *flakySynthesizer) render() error {
	f.calls++
	if f.calls <= f.failures {
		return voice.NewError(voice.KindProvider, "tts.synthesize", "service returned 500")
	}
	return nil
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("tts", 3, time.Second)
	synth := &flakySynthesizer{}

	for i := 0; i < 5; i++ {
		if err := cb.Call(synth.render); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("expected closed state, got %d", cb.GetState())
	}
}

func TestCircuitBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	cb := NewCircuitBreaker("tts", 3, time.Second)
	synth := &flakySynthesizer{failures: 10}

	for i := 0; i < 3; i++ {
		err := cb.Call(synth.render)
		if voice.KindOf(err) != voice.KindProvider {
			t.Fatalf("call %d: expected the provider error through, got %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open state after 3 failures, got %d", cb.GetState())
	}

	// Open circuit sheds the call without reaching the service.
	before := synth.calls
	if err := cb.Call(synth.render); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if synth.calls != before {
		t.Error("open circuit still invoked the service")
	}
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("tts", 2, 50*time.Millisecond)
	synth := &flakySynthesizer{failures: 2}

	cb.Call(synth.render)
	cb.Call(synth.render)
	if cb.GetState() != StateOpen {
		t.Fatal("expected open state")
	}

	time.Sleep(80 * time.Millisecond)

	// The service is healthy again: probes succeed and the circuit
	// closes once enough of them pass.
	for i := 0; i < 3; i++ {
		if err := cb.Call(synth.render); err != nil {
			t.Fatalf("probe %d failed: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("expected closed state after recovery, got %d", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("tts", 2, 50*time.Millisecond)
	synth := &flakySynthesizer{failures: 100}

	cb.Call(synth.render)
	cb.Call(synth.render)
	time.Sleep(80 * time.Millisecond)

	// Still down: the probe fails and the circuit snaps back open.
	if err := cb.Call(synth.render); err == ErrCircuitOpen {
		t.Fatal("expected the probe to reach the service")
	}
	if cb.GetState() != StateOpen {
		t.Errorf("expected open state after failed probe, got %d", cb.GetState())
	}
}

func TestCircuitBreaker_StatsAndReset(t *testing.T) {
	cb := NewCircuitBreaker("tts", 2, time.Second)
	synth := &flakySynthesizer{failures: 1}

	cb.Call(synth.render)
	cb.Call(synth.render)

	_, requests, failures, rate := cb.GetStats()
	if requests != 2 || failures != 1 {
		t.Errorf("expected 2 requests and 1 failure, got %d and %d", requests, failures)
	}
	if rate < 49.0 || rate > 51.0 {
		t.Errorf("expected a 50%% failure rate, got %.2f", rate)
	}

	cb.Reset()
	state, requests, failures, _ := cb.GetStats()
	if state != StateClosed || requests != 0 || failures != 0 {
		t.Errorf("expected a clean slate after reset, got state=%d requests=%d failures=%d", state, requests, failures)
	}
}
