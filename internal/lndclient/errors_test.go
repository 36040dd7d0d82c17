package lndclient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassifyRPCErrorUnavailableIsTransient(t *testing.T) {
	err := classifyRPCError("updatepolicy", status.Error(codes.Unavailable, "connection refused"))
	if !IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("expected non-permanent, got %v", err)
	}
}

func TestClassifyRPCErrorInvalidArgumentIsPermanent(t *testing.T) {
	err := classifyRPCError("updatepolicy", status.Error(codes.InvalidArgument, "bad fee rate"))
	if !IsPermanent(err) {
		t.Fatalf("expected permanent, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("expected non-transient, got %v", err)
	}
}

func TestClassifyRPCErrorDeadlineIsTransient(t *testing.T) {
	err := classifyRPCError("getinfo", context.DeadlineExceeded)
	if !IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestClassifyRPCErrorUnknownDefaultsTransient(t *testing.T) {
	err := classifyRPCError("getinfo", errors.New("something odd"))
	if !IsTransient(err) {
		t.Fatalf("expected unknown errors to default to transient, got %v", err)
	}
}

func TestTransientErrorUnwraps(t *testing.T) {
	inner := errors.New("socket closed")
	err := fmt.Errorf("apply: %w", &TransientError{Op: "updatepolicy", Err: inner})
	if !IsTransient(err) {
		t.Fatalf("expected transient through wrapping")
	}
	if !errors.Is(err, inner) {
		t.Fatalf("expected inner error to unwrap")
	}
}

func TestParseChannelPoint(t *testing.T) {
	cp, err := parseChannelPoint("abcdef:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp.OutputIndex != 1 {
		t.Fatalf("unexpected output index: %d", cp.OutputIndex)
	}
	if _, err := parseChannelPoint("garbage"); err == nil {
		t.Fatalf("expected error for malformed channel point")
	}
}
