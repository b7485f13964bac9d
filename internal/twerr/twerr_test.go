package twerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew_DefaultsPerCode(t *testing.T) {
	tests := []struct {
		code        Code
		recoverable bool
		retryable   bool
	}{
		{CodeAuthRequired, false, false},
		{CodeSessionCreateFailed, false, true},
		{CodeASRError, true, true},
		{CodeRAGTimeout, true, true},
		{CodeLipSyncError, true, false},
		{CodeQueueFull, true, true},
		{CodeInternal, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := New(tt.code, nil)
			if e.Code != tt.code {
				t.Errorf("Code = %s, want %s", e.Code, tt.code)
			}
			if e.Recoverable != tt.recoverable {
				t.Errorf("Recoverable = %v, want %v", e.Recoverable, tt.recoverable)
			}
			if e.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", e.Retryable, tt.retryable)
			}
			if e.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestNew_UnknownCodeMapsToInternal(t *testing.T) {
	e := New(Code("NO_SUCH_CODE"), nil)
	if e.Code != CodeInternal {
		t.Fatalf("Code = %s, want %s", e.Code, CodeInternal)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	e := New(CodeWebsocketError, cause)

	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the cause")
	}

	wrapped := fmt.Errorf("gateway: %w", e)
	if CodeOf(wrapped) != CodeWebsocketError {
		t.Errorf("CodeOf(wrapped) = %s, want %s", CodeOf(wrapped), CodeWebsocketError)
	}
	if IsRecoverable(wrapped) {
		t.Error("websocket errors are not recoverable")
	}
	if !IsRetryable(wrapped) {
		t.Error("websocket errors are retryable")
	}
}

func TestCodeOf_PlainError(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Errorf("CodeOf = %s, want %s", got, CodeInternal)
	}
}
