// Package bus abstracts the message broker the outbox drains into.
// The drainer only depends on Publisher; the Google Pub/Sub adapter and the
// in-memory fake are the two implementations.
package bus

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Message is one outbound event.
type Message struct {
	Topic   string
	Key     string // ordering key, typically the aggregate id
	Value   []byte
	Headers map[string]string
}

// Receipt identifies where the broker stored a published message.
// Brokers without partitions leave Partition blank and put their server
// message id in Offset.
type Receipt struct {
	Partition string
	Offset    string
}

func (r Receipt) String() string {
	if r.Partition == "" {
		return r.Offset
	}
	return r.Partition + "/" + r.Offset
}

// Publisher delivers one message and blocks until the broker acknowledges
// it or ctx expires. Implementations must be safe for concurrent use; the
// drainer calls Publish from its worker pool.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (Receipt, error)
}

// Retryable classifies a publish error. Malformed or unauthorized requests
// will fail identically on every attempt; retrying them only delays the
// quarantine. Everything else, including plain non-status errors, is
// presumed transient.
func Retryable(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.Unauthenticated, codes.FailedPrecondition:
		return false
	}
	return true
}
