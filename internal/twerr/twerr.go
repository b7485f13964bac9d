// Package twerr defines the error taxonomy surfaced by the conversation core.
//
// Every error that can end a turn or a connection carries a stable [Code],
// a Recoverable flag (can the connection continue?) and a Retryable flag
// (should the client retry the same action?). The user-facing message is
// decoupled from the internal code so that client copy can change without
// touching error-handling logic.
package twerr

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies a class of failure raised by the conversation core.
type Code string

const (
	CodeAuthRequired        Code = "AUTH_REQUIRED"
	CodeAuthInvalid         Code = "AUTH_INVALID"
	CodeAuthExpired         Code = "AUTH_EXPIRED"
	CodeSessionCreateFailed Code = "SESSION_CREATE_FAILED"
	CodeASRError            Code = "ASR_ERROR"
	CodeASROverload         Code = "ASR_OVERLOAD"
	CodeASRAudioQuality     Code = "ASR_AUDIO_QUALITY"
	CodeRAGTimeout          Code = "RAG_TIMEOUT"
	CodeLLMError            Code = "LLM_ERROR"
	CodeLLMTimeout          Code = "LLM_TIMEOUT"
	CodeTTSError            Code = "TTS_ERROR"
	CodeTTSStall            Code = "TTS_STALL"
	CodeLipSyncError        Code = "LIPSYNC_ERROR"
	CodeTimeout             Code = "TIMEOUT"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeGPUUnavailable      Code = "GPU_UNAVAILABLE"
	CodeQueueFull           Code = "QUEUE_FULL"
	CodeWebsocketError      Code = "WEBSOCKET_ERROR"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error is a coded error with client-facing flags. It wraps an optional
// underlying cause, reachable via [errors.Unwrap].
type Error struct {
	// Code is the stable machine-readable failure class.
	Code Code

	// Message is the user-friendly string sent to the client. Never contains
	// internal detail.
	Message string

	// Recoverable reports whether the connection can continue after this error.
	Recoverable bool

	// Retryable reports whether the client should retry the same action.
	Retryable bool

	// RetryAfter is an advisory wait before retrying, for capacity errors
	// like QUEUE_FULL. Zero means no estimate.
	RetryAfter time.Duration

	// Cause is the underlying error, if any. Not serialised to the client.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// defaultMessages maps codes to the client-facing copy used when New is
// called without an explicit message.
var defaultMessages = map[Code]string{
	CodeAuthRequired:        "authentication is required",
	CodeAuthInvalid:         "the supplied credentials are invalid",
	CodeAuthExpired:         "the supplied credentials have expired",
	CodeSessionCreateFailed: "could not start a session, please retry",
	CodeASRError:            "speech recognition failed, please repeat",
	CodeASROverload:         "speech recognition is overloaded, please slow down",
	CodeASRAudioQuality:     "audio quality is too low to transcribe",
	CodeRAGTimeout:          "knowledge lookup took too long",
	CodeLLMError:            "the assistant could not generate a reply",
	CodeLLMTimeout:          "the assistant took too long to reply, please retry",
	CodeTTSError:            "speech synthesis failed",
	CodeTTSStall:            "speech synthesis stalled",
	CodeLipSyncError:        "video synthesis is unavailable",
	CodeTimeout:             "the operation timed out",
	CodeRateLimitExceeded:   "too many requests, please wait and retry",
	CodeGPUUnavailable:      "compute capacity is unavailable, please retry later",
	CodeQueueFull:           "the service is at capacity, please retry shortly",
	CodeWebsocketError:      "the connection encountered an error",
	CodeInternal:            "an internal error occurred",
}

// flags captures the per-code recoverable/retryable defaults from the
// propagation policy.
var flags = map[Code]struct{ recoverable, retryable bool }{
	CodeAuthRequired:        {false, false},
	CodeAuthInvalid:         {false, false},
	CodeAuthExpired:         {false, true},
	CodeSessionCreateFailed: {false, true},
	CodeASRError:            {true, true},
	CodeASROverload:         {true, true},
	CodeASRAudioQuality:     {true, true},
	CodeRAGTimeout:          {true, true},
	CodeLLMError:            {true, true},
	CodeLLMTimeout:          {true, true},
	CodeTTSError:            {true, true},
	CodeTTSStall:            {true, true},
	CodeLipSyncError:        {true, false},
	CodeTimeout:             {true, true},
	CodeRateLimitExceeded:   {true, true},
	CodeGPUUnavailable:      {true, true},
	CodeQueueFull:           {true, true},
	CodeWebsocketError:      {false, true},
	CodeInternal:            {false, false},
}

// Message returns the code's default client-facing copy.
func (c Code) Message() string {
	if msg, ok := defaultMessages[c]; ok {
		return msg
	}
	return defaultMessages[CodeInternal]
}

// New creates an [*Error] for code wrapping cause (which may be nil).
// The message and flags come from the code's defaults.
func New(code Code, cause error) *Error {
	msg, ok := defaultMessages[code]
	if !ok {
		msg = defaultMessages[CodeInternal]
		code = CodeInternal
	}
	f := flags[code]
	return &Error{
		Code:        code,
		Message:     msg,
		Recoverable: f.recoverable,
		Retryable:   f.retryable,
		Cause:       cause,
	}
}

// Newf creates an [*Error] with a custom user-facing message.
func Newf(code Code, cause error, format string, args ...any) *Error {
	e := New(code, cause)
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// CodeOf extracts the [Code] from err. Unknown errors map to [CodeInternal].
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// IsRecoverable reports whether the connection can continue after err.
func IsRecoverable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Recoverable
	}
	return false
}

// IsRetryable reports whether the client should retry the action behind err.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
