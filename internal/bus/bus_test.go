package bus

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("connection reset"), true},
		{"unavailable", status.Error(codes.Unavailable, "try later"), true},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad message"), false},
		{"topic not found", status.Error(codes.NotFound, "no such topic"), false},
		{"permission denied", status.Error(codes.PermissionDenied, "nope"), false},
		{"unauthenticated", status.Error(codes.Unauthenticated, "who"), false},
		{"failed precondition", status.Error(codes.FailedPrecondition, "ordering paused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReceiptString(t *testing.T) {
	if got := (Receipt{Partition: "3", Offset: "42"}).String(); got != "3/42" {
		t.Errorf("got %q", got)
	}
	if got := (Receipt{Offset: "msg-9"}).String(); got != "msg-9" {
		t.Errorf("got %q", got)
	}
}
