package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrTimeout is retryable", ErrTimeout, true},
		{"ErrMaxRetriesExceeded is retryable", ErrMaxRetriesExceeded, true},
		{"ErrContextCanceled is retryable", ErrContextCanceled, true},
		{"ErrAgentNotFound is not retryable", ErrAgentNotFound, false},
		{"wrapped ErrTimeout is retryable", fmt.Errorf("op failed: %w", ErrTimeout), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsRetryable(tt.err); result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrAgentNotFound is not-found", ErrAgentNotFound, true},
		{"ErrCapabilityNotFound is not-found", ErrCapabilityNotFound, true},
		{"ErrCheckpointNotFound is not-found", ErrCheckpointNotFound, true},
		{"ErrSessionNotFound is not-found", ErrSessionNotFound, true},
		{"wrapped ErrAgentNotFound is not-found", fmt.Errorf("failed to locate: %w", ErrAgentNotFound), true},
		{"ErrTimeout is not a not-found error", ErrTimeout, false},
		{"ErrInvalidConfiguration is not a not-found error", ErrInvalidConfiguration, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsNotFound(tt.err); result != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsConfigurationError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrInvalidConfiguration is configuration error", ErrInvalidConfiguration, true},
		{"ErrMissingConfiguration is configuration error", ErrMissingConfiguration, true},
		{"wrapped ErrInvalidConfiguration", fmt.Errorf("config validation failed: %w", ErrInvalidConfiguration), true},
		{"ErrAgentNotFound is not configuration error", ErrAgentNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsConfigurationError(tt.err); result != tt.expected {
				t.Errorf("IsConfigurationError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsStateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrAlreadyStarted is state error", ErrAlreadyStarted, true},
		{"ErrNotInitialized is state error", ErrNotInitialized, true},
		{"ErrAlreadyRegistered is state error", ErrAlreadyRegistered, true},
		{"wrapped ErrNotInitialized", fmt.Errorf("cannot proceed: %w", ErrNotInitialized), true},
		{"ErrTimeout is not state error", ErrTimeout, false},
		{"ErrAgentNotFound is not state error", ErrAgentNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsStateError(tt.err); result != tt.expected {
				t.Errorf("IsStateError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	baseErr := ErrAgentNotFound
	wrappedOnce := fmt.Errorf("failed to find agent 'test': %w", baseErr)
	wrappedTwice := fmt.Errorf("operation failed: %w", wrappedOnce)

	if !IsNotFound(baseErr) {
		t.Error("base error should be detected as not-found")
	}
	if !IsNotFound(wrappedOnce) {
		t.Error("once-wrapped error should be detected as not-found")
	}
	if !IsNotFound(wrappedTwice) {
		t.Error("twice-wrapped error should be detected as not-found")
	}

	if !errors.Is(wrappedTwice, ErrAgentNotFound) {
		t.Error("errors.Is should work through multiple wrapping layers")
	}
}

func TestGovernanceError(t *testing.T) {
	err := NewGovernanceError("op-1", ErrGovernanceRisk)

	if !errors.Is(err, ErrGovernanceRisk) {
		t.Error("GovernanceError should unwrap to its sentinel")
	}
	if !IsGovernanceRefusal(err) {
		t.Error("IsGovernanceRefusal should detect a *GovernanceError")
	}
	if IsGovernanceRefusal(ErrTimeout) {
		t.Error("IsGovernanceRefusal should not match a plain sentinel")
	}

	wrapped := fmt.Errorf("pipeline aborted: %w", err)
	if !IsGovernanceRefusal(wrapped) {
		t.Error("IsGovernanceRefusal should find a wrapped GovernanceError via errors.As")
	}
}

func TestFrameworkError(t *testing.T) {
	base := errors.New("connection reset")
	fe := NewFrameworkError("economy.Allocate", "economy", base)
	fe.ID = "op-42"

	if fe.Error() != "economy.Allocate [op-42]: connection reset" {
		t.Errorf("unexpected error string: %s", fe.Error())
	}
	if !errors.Is(fe, base) {
		t.Error("FrameworkError should unwrap to the underlying error")
	}
}
