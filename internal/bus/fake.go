package bus

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FakePublisher records published messages in memory and can be scripted
// to fail. Used by drainer and boundary tests.
type FakePublisher struct {
	mu        sync.Mutex
	published []Message
	// failures maps a message key (or topic when the key is blank) to the
	// number of times Publish should still fail for it. -1 fails forever.
	failures  map[string]int
	permanent map[string]bool
	seq       int
}

// NewFakePublisher returns an empty fake.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{failures: make(map[string]int), permanent: make(map[string]bool)}
}

// FailPermanent makes every publish for key fail with a non-retryable
// status error.
func (f *FakePublisher) FailPermanent(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanent[key] = true
}

// FailNext makes the next n publishes for key fail. n = -1 fails forever.
func (f *FakePublisher) FailNext(key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = n
}

func (f *FakePublisher) Publish(_ context.Context, msg Message) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := msg.Key
	if key == "" {
		key = msg.Topic
	}
	if f.permanent[key] {
		return Receipt{}, status.Errorf(codes.InvalidArgument, "fake publisher: permanent failure for %q", key)
	}
	if remaining, ok := f.failures[key]; ok && remaining != 0 {
		if remaining > 0 {
			f.failures[key] = remaining - 1
		}
		return Receipt{}, fmt.Errorf("fake publisher: scripted failure for %q", key)
	}

	f.seq++
	f.published = append(f.published, msg)
	return Receipt{Partition: "0", Offset: fmt.Sprintf("%d", f.seq)}, nil
}

// Published returns a copy of everything successfully published, in order.
func (f *FakePublisher) Published() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.published...)
}
