package voice

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	plain := NewError(KindOverrun, "stt.push", "frame queue full")
	want := "stt.push: overrun error: frame queue full"
	if plain.Error() != want {
		t.Errorf("got %q, want %q", plain.Error(), want)
	}

	cause := errors.New("dial tcp: connection refused")
	wrapped := WrapError(KindConnection, "stt.open", "opening realtime stream", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("wrapped error does not unwrap to its cause")
	}
}

func TestKindOf(t *testing.T) {
	err := NewError(KindProvider, "llm.complete", "rate limited")
	if KindOf(err) != KindProvider {
		t.Errorf("got kind %q", KindOf(err))
	}

	// Kind survives wrapping by callers.
	annotated := fmt.Errorf("turn failed: %w", err)
	if !IsKind(annotated, KindProvider) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}

	if KindOf(errors.New("plain")) != "" {
		t.Error("untyped error should have empty kind")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should have empty kind")
	}
}

func TestIsKindDistinguishes(t *testing.T) {
	err := NewError(KindTimeout, "tts.synthesize", "deadline exceeded")
	if IsKind(err, KindConnection) {
		t.Error("timeout error misclassified as connection")
	}
	if !IsKind(err, KindTimeout) {
		t.Error("timeout error not recognized")
	}
}
