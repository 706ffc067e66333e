// Package queuetest provides an in-memory queue for tests.
package queuetest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/netkanctl/internal/queue"
)

// Fake is an in-memory queue.Client. Received messages stay queued until deleted.
type Fake struct {
	mu       sync.Mutex
	queued   map[string][]queue.Message
	sent     map[string][]queue.OutMessage
	deleted  map[string][]queue.Entry
	depth    map[string]int
	seq      int
	Err      error
	DepthErr error
}

func New() *Fake {
	return &Fake{
		queued:  make(map[string][]queue.Message),
		sent:    make(map[string][]queue.OutMessage),
		deleted: make(map[string][]queue.Entry),
		depth:   make(map[string]int),
	}
}

// Push queues a message with the given body and attributes
func (f *Fake) Push(queueURL, body string, attrs map[string]string) queue.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	sum := md5.Sum([]byte(body))
	msg := queue.Message{
		ID:            fmt.Sprintf("msg-%d", f.seq),
		Body:          body,
		ReceiptHandle: fmt.Sprintf("rh-%d", f.seq),
		MD5OfBody:     hex.EncodeToString(sum[:]),
		Attributes:    attrs,
	}
	f.queued[queueURL] = append(f.queued[queueURL], msg)
	return msg
}

// SetDepth fixes what Depth reports for queueURL
func (f *Fake) SetDepth(queueURL string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depth[queueURL] = n
}

// Sent returns every message sent to queueURL
func (f *Fake) Sent(queueURL string) []queue.OutMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.OutMessage(nil), f.sent[queueURL]...)
}

// Deleted returns every entry deleted from queueURL
func (f *Fake) Deleted(queueURL string) []queue.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Entry(nil), f.deleted[queueURL]...)
}

// Queued returns the messages still on queueURL
func (f *Fake) Queued(queueURL string) []queue.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Message(nil), f.queued[queueURL]...)
}

func (f *Fake) Receive(_ context.Context, queueURL string, max int, _, _ time.Duration) ([]queue.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	msgs := f.queued[queueURL]
	if len(msgs) > max {
		msgs = msgs[:max]
	}
	return append([]queue.Message(nil), msgs...), nil
}

func (f *Fake) DeleteBatch(_ context.Context, queueURL string, entries []queue.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(entries) > queue.MaxBatch {
		return fmt.Errorf("batch of %d exceeds %d", len(entries), queue.MaxBatch)
	}
	f.deleted[queueURL] = append(f.deleted[queueURL], entries...)
	remove := make(map[string]bool, len(entries))
	for _, e := range entries {
		remove[e.ReceiptHandle] = true
	}
	var kept []queue.Message
	for _, m := range f.queued[queueURL] {
		if !remove[m.ReceiptHandle] {
			kept = append(kept, m)
		}
	}
	f.queued[queueURL] = kept
	return nil
}

func (f *Fake) SendBatch(_ context.Context, queueURL string, msgs []queue.OutMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for _, chunk := range queue.Chunks(msgs) {
		seen := make(map[string]bool)
		for _, m := range chunk {
			if seen[m.ID] {
				return fmt.Errorf("duplicate entry id %q", m.ID)
			}
			seen[m.ID] = true
		}
	}
	f.sent[queueURL] = append(f.sent[queueURL], msgs...)
	return nil
}

func (f *Fake) Depth(_ context.Context, queueURL string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DepthErr != nil {
		return 0, f.DepthErr
	}
	if n, ok := f.depth[queueURL]; ok {
		return n, nil
	}
	return len(f.queued[queueURL]), nil
}
