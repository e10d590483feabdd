package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "bare",
			err:  New(ErrCodeNotFound, "asset missing"),
			want: "NOT_FOUND: asset missing",
		},
		{
			name: "with component",
			err:  New(ErrCodeTimeout, "fetch exceeded 10s").WithComponent("pipeline"),
			want: "[pipeline] TIMEOUT: fetch exceeded 10s",
		},
		{
			name: "with component and operation",
			err:  New(ErrCodeStoreFailure, "disk full").WithComponent("persistent").WithOperation("put"),
			want: "[persistent:put] STORE_FAILURE: disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategoryAndRetryability(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		category  ErrorCategory
		retryable bool
	}{
		{ErrCodeNotFound, CategoryAsset, false},
		{ErrCodeTimeout, CategoryAsset, true},
		{ErrCodeNetworkError, CategoryAsset, true},
		{ErrCodeDecodeError, CategoryAsset, false},
		{ErrCodeCapacityExceeded, CategoryResource, false},
		{ErrCodeStoreFailure, CategoryResource, true},
		{ErrCodeInvalidConfig, CategoryConfiguration, false},
		{ErrCodeComponentStopped, CategoryState, false},
	}
	for _, tt := range tests {
		e := New(tt.code, "x")
		if e.Category != tt.category {
			t.Errorf("%s category = %v, want %v", tt.code, e.Category, tt.category)
		}
		if e.Retryable != tt.retryable {
			t.Errorf("%s retryable = %v, want %v", tt.code, e.Retryable, tt.retryable)
		}
	}
}

func TestFailureClass(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want FailureClass
	}{
		{ErrCodeTimeout, FailureRetryLater},
		{ErrCodeNetworkError, FailureRetryLater},
		{ErrCodeNotFound, FailureContentMissing},
		{ErrCodeDecodeError, FailureCorrupt},
		{ErrCodeStoreFailure, FailureInternal},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").Class(); got != tt.want {
			t.Errorf("%s class = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestUnwrapChain(t *testing.T) {
	root := stderrors.New("connection reset")
	e := New(ErrCodeNetworkError, "fetch failed").WithCause(root)
	wrapped := fmt.Errorf("loading page 5: %w", e)

	if !stderrors.Is(wrapped, root) {
		t.Error("wrap chain should reach the root cause")
	}
	if got := CodeOf(wrapped); got != ErrCodeNetworkError {
		t.Errorf("CodeOf = %v, want NETWORK_ERROR", got)
	}
	if !IsRetryable(wrapped) {
		t.Error("retryable hint should survive wrapping")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(ErrCodeTimeout, "first").WithPage(3)
	b := New(ErrCodeTimeout, "second").WithPage(9)
	if !stderrors.Is(a, b) {
		t.Error("errors with the same code should match")
	}
	c := New(ErrCodeNotFound, "other")
	if stderrors.Is(a, c) {
		t.Error("different codes must not match")
	}
}

func TestPredicates(t *testing.T) {
	if !IsNotFound(New(ErrCodeNotFound, "x")) {
		t.Error("IsNotFound")
	}
	if !IsTimeout(New(ErrCodeTimeout, "x")) {
		t.Error("IsTimeout")
	}
	if IsTimeout(stderrors.New("plain")) {
		t.Error("plain errors carry no code")
	}
	if CodeOf(nil) != "" {
		t.Error("nil error has no code")
	}
}
