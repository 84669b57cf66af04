package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		want       ErrorType
		wantStatus int
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), 0, ErrorTypeTransient, 0},
		{"explicit 401", errors.New("bad key"), 401, ErrorTypeAuth, 401},
		{"status in message", errors.New(`POST "https://api.example.com": 429 Too Many Requests`), 0, ErrorTypeRateLimit, 429},
		{"overloaded", errors.New("overloaded_error: Overloaded"), 529, ErrorTypeTransient, 529},
		{"server error", errors.New("500 Internal Server Error"), 0, ErrorTypeTransient, 500},
		{"throttling", errors.New("ThrottlingException: slow down"), 0, ErrorTypeRateLimit, 0},
		{"too long", errors.New("prompt is too long"), 0, ErrorTypeBadPrompt, 0},
		{"bad request", errors.New("400 Bad Request"), 0, ErrorTypeBadPrompt, 400},
		{"unknown", errors.New("something odd"), 0, ErrorTypeUnknown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, tt.statusCode, "anthropic")
			if got.Type != tt.want {
				t.Errorf("Classify type = %s, want %s", got.Type, tt.want)
			}
			if got.StatusCode != tt.wantStatus {
				t.Errorf("Classify status = %d, want %d", got.StatusCode, tt.wantStatus)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("Classify must keep the cause in the chain")
			}
		})
	}
}

func TestClassifyKeepsExistingClassification(t *testing.T) {
	orig := NewError(ErrorTypeEmptyResponse, "no content")
	wrapped := fmt.Errorf("adapter: %w", orig)

	if got := Classify(wrapped, 0, "openai"); got != orig {
		t.Errorf("Expected existing *Error to be returned unchanged")
	}
	if Classify(nil, 0, "openai") != nil {
		t.Errorf("Expected nil for nil error")
	}
}

func TestIsAndTypeOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewErrorWithStatus(ErrorTypeRateLimit, 429, "slow down"))

	if !Is(err, ErrorTypeRateLimit) {
		t.Error("Expected Is to see through wrapping")
	}
	if Is(err, ErrorTypeAuth) {
		t.Error("Expected Is to reject other types")
	}
	if TypeOf(errors.New("plain")) != ErrorTypeUnknown {
		t.Error("Expected unclassified errors to report unknown")
	}
}

func TestIsTransient(t *testing.T) {
	if NewError(ErrorTypeAuth, "").IsTransient() {
		t.Error("auth errors are not transient")
	}
	if NewError(ErrorTypeBadPrompt, "").IsTransient() {
		t.Error("bad prompt errors are not transient")
	}
	if !NewError(ErrorTypeRateLimit, "").IsTransient() {
		t.Error("rate limit errors are transient")
	}
}

func TestErrorMessage(t *testing.T) {
	if got := NewError(ErrorTypeAuth, "invalid key").Error(); got != "LLM error (auth): invalid key" {
		t.Errorf("unexpected message %q", got)
	}
	if got := NewErrorWithStatus(ErrorTypeTransient, 503, "").Error(); got != "LLM error (transient): status 503" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestSanitizePrompt(t *testing.T) {
	short := "once upon a time"
	if SanitizePrompt(short, 100) != short {
		t.Error("short prompts must pass through")
	}

	long := strings.Repeat("a", 150) + strings.Repeat("b", 300) + strings.Repeat("c", 150)
	got := SanitizePrompt(long, 200)
	if !strings.HasPrefix(got, strings.Repeat("a", 100)) || !strings.HasSuffix(got, strings.Repeat("c", 100)) {
		t.Errorf("expected head and tail to be kept, got %q", got)
	}
	if !strings.Contains(got, "[600 chars, hash:") {
		t.Errorf("expected length and hash marker, got %q", got)
	}
}
