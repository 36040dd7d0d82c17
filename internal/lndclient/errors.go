package lndclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TransientError marks failures worth retrying: transport problems,
// timeouts, the node being temporarily unavailable.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks failures the node (or a counterparty) rejected
// outright. Retrying cannot help; callers must roll back or report.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyRPCError wraps a raw gRPC/transport error into the transient
// vs permanent taxonomy. Unknown errors default to transient so a flaky
// node never escalates straight to rollback.
func classifyRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Op: op, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return &TransientError{Op: op, Err: err}
		case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound,
			codes.PermissionDenied, codes.Unauthenticated, codes.AlreadyExists, codes.OutOfRange:
			return &PermanentError{Op: op, Err: err}
		}
	}
	if isTimeoutMessage(err) {
		return &TransientError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}

func isTimeoutMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "transport is closing")
}
