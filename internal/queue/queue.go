// Package queue carries messages between the workers.
package queue

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Attribute names shared by every queue
const (
	AttrGameID = "GameId"
)

// Limits of the queue service
const (
	MaxBatch = 10
	MaxWait  = 20 * time.Second
)

// Message is a received message
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	MD5OfBody     string
	Attributes    map[string]string
}

// Attr returns a string attribute
func (m Message) Attr(name string) (string, bool) {
	v, ok := m.Attributes[name]
	return v, ok
}

// Entry acknowledges one received message
type Entry struct {
	ID            string
	ReceiptHandle string
}

// EntryFor builds the deletion entry of m
func EntryFor(m Message) Entry {
	return Entry{ID: EntryID(m.ID), ReceiptHandle: m.ReceiptHandle}
}

// OutMessage is a message to send
type OutMessage struct {
	// ID must be unique within one batch
	ID              string
	Body            string
	GroupID         string
	DeduplicationID string
	Attributes      map[string]string
}

// Client is the queue service
type Client interface {
	Receive(ctx context.Context, queueURL string, max int, wait, visibility time.Duration) ([]Message, error)
	DeleteBatch(ctx context.Context, queueURL string, entries []Entry) error
	SendBatch(ctx context.Context, queueURL string, msgs []OutMessage) error
	// Depth is the approximate number of visible messages
	Depth(ctx context.Context, queueURL string) (int, error)
}

var invalidID = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// EntryID makes s usable as a batch entry id, falling back to a random id
func EntryID(s string) string {
	id := invalidID.ReplaceAllString(s, "_")
	if id == "" || len(id) > 80 {
		return uuid.NewString()
	}
	return id
}

// Chunks splits msgs into slices of at most MaxBatch
func Chunks[T any](msgs []T) [][]T {
	var out [][]T
	for len(msgs) > MaxBatch {
		out = append(out, msgs[:MaxBatch])
		msgs = msgs[MaxBatch:]
	}
	if len(msgs) > 0 {
		out = append(out, msgs)
	}
	return out
}
