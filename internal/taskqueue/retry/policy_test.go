package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries=3, got %d", policy.MaxRetries)
	}
	if policy.InitialDelay != 1*time.Second {
		t.Errorf("Expected InitialDelay=1s, got %v", policy.InitialDelay)
	}
	if err := policy.Validate(); err != nil {
		t.Errorf("Default policy invalid: %v", err)
	}
	noRetry := NoRetryPolicy()
	if err := noRetry.Validate(); err != nil {
		t.Errorf("NoRetryPolicy invalid: %v", err)
	}
	if noRetry.ShouldRetry(0) {
		t.Error("NoRetryPolicy should never retry")
	}
}

func TestPolicyCalculateDelay(t *testing.T) {
	policy := Policy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // Capped at MaxDelay
	}

	for _, test := range tests {
		actual := policy.CalculateDelay(test.retryCount)
		if actual != test.expected {
			t.Errorf("For retryCount %d, expected delay %v, got %v",
				test.retryCount, test.expected, actual)
		}
	}
}

func TestPolicyShouldRetry(t *testing.T) {
	policy := Policy{MaxRetries: 3}

	tests := []struct {
		retryCount int
		expected   bool
	}{
		{0, true},
		{2, true},
		{3, false},
		{4, false},
	}

	for _, test := range tests {
		if actual := policy.ShouldRetry(test.retryCount); actual != test.expected {
			t.Errorf("For retryCount %d, expected %t, got %t",
				test.retryCount, test.expected, actual)
		}
	}
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), true},
		{"wrapped unavailable", fmt.Errorf("nma outcome 1: %w", status.Error(codes.Unavailable, "down")), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "busy"), true},
		{"failed precondition", status.Error(codes.FailedPrecondition, "singular matrix"), false},
		{"plain analysis error", errors.New("singular matrix"), false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if actual := IsRetriableError(tt.err); actual != tt.expected {
				t.Errorf("IsRetriableError(%v) = %t, want %t", tt.err, actual, tt.expected)
			}
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid policy", Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 2}, false},
		{"negative max retries", Policy{MaxRetries: -1, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 2}, true},
		{"zero initial delay", Policy{MaxRetries: 3, MaxDelay: 30 * time.Second, BackoffMultiplier: 2}, true},
		{"zero max delay", Policy{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2}, true},
		{"zero backoff multiplier", Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}, true},
		{"initial delay greater than max delay", Policy{MaxRetries: 3, InitialDelay: time.Minute, MaxDelay: time.Second, BackoffMultiplier: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
