package errors

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("sets defaults from kind", func(t *testing.T) {
		err := New(KindServerTransient, "service unavailable")
		if err.Kind != KindServerTransient {
			t.Errorf("Kind = %v, want %v", err.Kind, KindServerTransient)
		}
		if !err.Retryable {
			t.Error("server transient errors should be retryable by default")
		}
		if err.HTTPStatus != 503 {
			t.Errorf("HTTPStatus = %d, want 503", err.HTTPStatus)
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("retryable defaults", func(t *testing.T) {
		tests := []struct {
			kind Kind
			want bool
		}{
			{KindNetwork, true},
			{KindThrottled, true},
			{KindServerTransient, true},
			{KindServerPermanent, false},
			{KindNotFound, false},
			{KindInvalidRange, false},
			{KindAuthFailure, false},
			{KindPoolShutdown, false},
			{KindInvariantViolation, false},
		}
		for _, tt := range tests {
			if got := New(tt.kind, "x").Retryable; got != tt.want {
				t.Errorf("%v: Retryable = %v, want %v", tt.kind, got, tt.want)
			}
		}
	})
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := New(KindNotFound, "object missing").
		WithComponent("s3").
		WithOperation("GetObject").
		WithKey("a/b").
		WithCode("NoSuchKey")

	msg := err.Error()
	for _, want := range []string{"[s3:GetObject]", "not_found", "object missing", "key=a/b"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	detailed := err.String()
	if !strings.Contains(detailed, "Code=NoSuchKey") {
		t.Errorf("String() = %q, missing code", detailed)
	}
}

func TestErrorJSON(t *testing.T) {
	t.Parallel()

	err := New(KindThrottled, "slow down").WithDetail("attempt", 2)

	var decoded map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(err.JSON()), &decoded); jsonErr != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", jsonErr)
	}
	if decoded["kind"] != "throttled" {
		t.Errorf("kind = %v, want throttled", decoded["kind"])
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	t.Parallel()

	if Wrap(nil, KindNetwork, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(cause, KindNetwork, "head object")
	if !stderr.Is(err, cause) {
		t.Error("wrapped error should match its cause")
	}
	if !stderr.Is(err, New(KindNetwork, "")) {
		t.Error("errors.Is should match by kind")
	}
	if stderr.Is(err, New(KindNotFound, "")) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	inner := New(KindAuthFailure, "bad key")
	outer := fmt.Errorf("upload failed: %w", inner)

	if got := KindOf(outer); got != KindAuthFailure {
		t.Errorf("KindOf = %v, want %v", got, KindAuthFailure)
	}
	if got := KindOf(fmt.Errorf("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindInternal)
	}
	if !IsKind(outer, KindAuthFailure) {
		t.Error("IsKind should see through fmt wrapping")
	}
	if IsKind(nil, KindAuthFailure) {
		t.Error("IsKind(nil) should be false")
	}
	if IsRetryable(outer) {
		t.Error("auth failures are not retryable")
	}
	if !IsRetryable(New(KindThrottled, "")) {
		t.Error("throttling is retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("unstructured errors are not retryable")
	}
}

func TestFromHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   Kind
	}{
		{404, KindNotFound},
		{416, KindInvalidRange},
		{401, KindAuthFailure},
		{403, KindAuthFailure},
		{429, KindThrottled},
		{408, KindServerTransient},
		{500, KindServerTransient},
		{503, KindServerTransient},
		{400, KindServerPermanent},
		{409, KindServerPermanent},
		{200, KindInternal},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := FromHTTPStatus(tt.status); got != tt.want {
				t.Errorf("FromHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestToErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"not found", New(KindNotFound, ""), syscall.ENOENT},
		{"auth", New(KindAuthFailure, ""), syscall.EACCES},
		{"network", New(KindNetwork, ""), syscall.EIO},
		{"transient", New(KindServerTransient, ""), syscall.EIO},
		{"permanent", New(KindServerPermanent, ""), syscall.EIO},
		{"invalid range", New(KindInvalidRange, ""), syscall.EINVAL},
		{"shutdown", New(KindPoolShutdown, ""), syscall.ECANCELED},
		{"wrapped", fmt.Errorf("read: %w", New(KindNotFound, "")), syscall.ENOENT},
		{"not empty", New(KindInvalidState, "").WithCode("DirectoryNotEmpty"), syscall.ENOTEMPTY},
		{"is a directory", New(KindInvalidState, "").WithCode("IsDirectory"), syscall.EISDIR},
		{"busy", New(KindInvalidState, ""), syscall.EBUSY},
		{"raw errno", syscall.ENOTDIR, syscall.ENOTDIR},
		{"context canceled", context.Canceled, syscall.EINTR},
		{"plain", fmt.Errorf("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToErrno(tt.err); got != tt.want {
				t.Errorf("ToErrno = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithStack(t *testing.T) {
	t.Parallel()

	err := New(KindInvariantViolation, "double release").WithStack()
	if err.Stack == "" {
		t.Error("WithStack should capture frames")
	}
}

func TestParseKind(t *testing.T) {
	for k := range kindNames {
		if got := ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if got := ParseKind("no_such_kind"); got != KindInternal {
		t.Errorf("unknown name parsed as %v", got)
	}
}
