package refetch

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFetchErrorMessage(t *testing.T) {
	withStatus := &FetchError{URL: "https://example.com/doc", StatusCode: 503, Message: "unexpected status: Service Unavailable"}
	if !strings.Contains(withStatus.Error(), "status 503") {
		t.Errorf("Error() = %q, want the status included", withStatus.Error())
	}

	cause := errors.New("connection refused")
	withCause := &FetchError{URL: "https://example.com/doc", Message: "request failed", Cause: cause}
	if !strings.Contains(withCause.Error(), "connection refused") {
		t.Errorf("Error() = %q, want the cause included", withCause.Error())
	}
	if !errors.Is(withCause, cause) {
		t.Error("cause must be reachable via errors.Is")
	}
}

func TestRateLimitExceededErrorIs(t *testing.T) {
	err := &RateLimitExceededError{WaitTime: 200 * time.Millisecond}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected errors.Is(err, ErrRateLimited)")
	}
	if !strings.Contains(err.Error(), "200ms") {
		t.Errorf("Error() = %q, want the wait estimate included", err.Error())
	}
}

func TestRetryExhaustedErrorChain(t *testing.T) {
	last := &FetchError{URL: "https://example.com", StatusCode: 502, Message: "unexpected status: Bad Gateway"}
	err := &RetryExhaustedError{Attempts: 3, LastErr: last}

	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("expected errors.Is(err, ErrRetryExhausted)")
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != 502 {
		t.Error("final attempt's error must be reachable via errors.As")
	}
}

func TestCircuitOpenErrorIs(t *testing.T) {
	err := &CircuitOpenError{Service: "ollama"}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("expected errors.Is(err, ErrCircuitOpen)")
	}
	if !strings.Contains(err.Error(), "ollama") {
		t.Errorf("Error() = %q, want the service named", err.Error())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network failure", &FetchError{URL: "u", Message: "request failed", Cause: errors.New("eof")}, true},
		{"429", &FetchError{URL: "u", StatusCode: 429, Message: "too many"}, true},
		{"500", &FetchError{URL: "u", StatusCode: 500, Message: "boom"}, true},
		{"503", &FetchError{URL: "u", StatusCode: 503, Message: "unavailable"}, true},
		{"404", &FetchError{URL: "u", StatusCode: 404, Message: "gone"}, false},
		{"400", &FetchError{URL: "u", StatusCode: 400, Message: "bad"}, false},
		{"circuit open", &CircuitOpenError{Service: "s"}, true},
		{"rate limited", &RateLimitExceededError{WaitTime: time.Second}, true},
		{"exhausted over 502", &RetryExhaustedError{Attempts: 3, LastErr: &FetchError{URL: "u", StatusCode: 502, Message: "bad"}}, true},
		{"exhausted over 404", &RetryExhaustedError{Attempts: 3, LastErr: &FetchError{URL: "u", StatusCode: 404, Message: "gone"}}, false},
		{"plain error", errors.New("validation failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
