package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"testing"
)

func TestExitStatus(t *testing.T) {
	code, ok := exitStatus(exitCodeError{code: 7})
	if !ok || code != 7 {
		t.Fatalf("exitStatus = (%d, %v), want (7, true)", code, ok)
	}

	code, ok = exitStatus(fmt.Errorf("run: %w", exitCodeError{code: 3}))
	if !ok || code != 3 {
		t.Fatalf("wrapped exitStatus = (%d, %v), want (3, true)", code, ok)
	}

	if _, ok := exitStatus(errors.New("boom")); ok {
		t.Fatal("exitStatus matched an unrelated error")
	}
	if _, ok := exitStatus(nil); ok {
		t.Fatal("exitStatus matched nil")
	}
}

func TestExecResult(t *testing.T) {
	if err := execResult(0, nil); err != nil {
		t.Fatalf("clean exit: %v", err)
	}

	err := execResult(7, nil)
	code, ok := exitStatus(err)
	if !ok || code != 7 {
		t.Fatalf("exit 7 produced %v", err)
	}

	// Interrupts end the command cleanly, not as a failure.
	if err := execResult(0, stdcontext.Canceled); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if err := execResult(0, fmt.Errorf("stream: %w", stdcontext.Canceled)); err != nil {
		t.Fatalf("wrapped interrupt: %v", err)
	}

	wantErr := errors.New("pipe burst")
	if err := execResult(0, wantErr); !errors.Is(err, wantErr) {
		t.Fatalf("real failure mapped to %v", err)
	}
}
