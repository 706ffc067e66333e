package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/charmbracelet/log"
)

// Handler processes the messages of one game.
//
// The loop calls Append for every message of a batch, then Open, Process and
// Close in that order. Close is called even when Open or Process fail. Entries
// returns the messages that may be deleted; Reset prepares for the next batch.
type Handler interface {
	Append(msg Message)
	Open(ctx context.Context) error
	Process(ctx context.Context) error
	Close() error
	Entries() []Entry
	Reset()
}

// HandlerFactory builds the handler of a game the first time it is seen
type HandlerFactory func(ctx context.Context, game string) (Handler, error)

// Loop polls one queue and routes messages to per-game handlers
type Loop struct {
	client     Client
	queueURL   string
	name       string
	visibility time.Duration
	factory    HandlerFactory
	handlers   map[string]Handler
	log        *log.Logger

	// retryDelay is how long Run waits after a failed receive
	retryDelay time.Duration
}

// NewLoop creates a loop on queueURL. name labels logs and metrics.
func NewLoop(client Client, queueURL, name string, visibility time.Duration, factory HandlerFactory, logger *log.Logger) *Loop {
	return &Loop{
		client:     client,
		queueURL:   queueURL,
		name:       name,
		visibility: visibility,
		factory:    factory,
		handlers:   make(map[string]Handler),
		log:        logger.With("queue", name),
		retryDelay: 5 * time.Second,
	}
}

// Run polls until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("Polling queue", "url", l.queueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Error("Failed to poll queue", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.retryDelay):
			}
		}
	}
}

// Poll receives and handles one batch
func (l *Loop) Poll(ctx context.Context) error {
	msgs, err := l.client.Receive(ctx, l.queueURL, MaxBatch, MaxWait, l.visibility)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	touched := make(map[string]Handler)
	for _, msg := range msgs {
		game, ok := msg.Attr(AttrGameID)
		game = strings.ToLower(strings.TrimSpace(game))
		if !ok || game == "" {
			l.log.Error("Message has no GameId, skipping", "id", msg.ID)
			metrics.MessagesSkipped.WithLabelValues(l.name, "no_game").Inc()
			continue
		}
		h, err := l.handler(ctx, game)
		if err != nil {
			l.log.Error("No handler for game, skipping", "game", game, "id", msg.ID, "err", err)
			metrics.MessagesSkipped.WithLabelValues(l.name, "unknown_game").Inc()
			continue
		}
		metrics.MessagesReceived.WithLabelValues(l.name, game).Inc()
		h.Append(msg)
		touched[game] = h
	}

	games := make([]string, 0, len(touched))
	for game := range touched {
		games = append(games, game)
	}
	sort.Strings(games)

	for _, game := range games {
		l.process(ctx, game, touched[game])
	}
	return nil
}

func (l *Loop) handler(ctx context.Context, game string) (Handler, error) {
	if h, ok := l.handlers[game]; ok {
		return h, nil
	}
	h, err := l.factory(ctx, game)
	if err != nil {
		return nil, err
	}
	l.handlers[game] = h
	return h, nil
}

func (l *Loop) process(ctx context.Context, game string, h Handler) {
	logger := l.log.With("game", game)
	defer h.Reset()
	start := time.Now()
	defer func() {
		metrics.BatchDuration.WithLabelValues(l.name, game).Observe(time.Since(start).Seconds())
	}()

	err := h.Open(ctx)
	if err == nil {
		err = h.Process(ctx)
	}
	if cerr := h.Close(); cerr != nil {
		logger.Error("Failed to close handler", "err", cerr)
	}
	if err != nil {
		metrics.BatchFailures.WithLabelValues(l.name, game).Inc()
		if errors.Is(err, context.Canceled) {
			logger.Warn("Batch interrupted", "err", err)
			return
		}
		logger.Error("Batch failed, messages will be redelivered", "err", err)
		return
	}

	entries := h.Entries()
	if len(entries) == 0 {
		return
	}
	if err := l.client.DeleteBatch(ctx, l.queueURL, entries); err != nil {
		logger.Error("Failed to delete processed messages", "err", err)
		return
	}
	metrics.MessagesDeleted.WithLabelValues(l.name, game).Add(float64(len(entries)))
	logger.Debug("Deleted processed messages", "count", len(entries))
}

// Batch collects the messages of one batch and the ones processed successfully.
// Handlers embed it to satisfy Append, Entries and Reset.
type Batch struct {
	messages []Message
	done     []Entry
}

func (b *Batch) Append(msg Message) {
	b.messages = append(b.messages, msg)
}

// Messages returns the appended messages in arrival order
func (b *Batch) Messages() []Message {
	return b.messages
}

// Done marks msg for deletion
func (b *Batch) Done(msg Message) {
	b.done = append(b.done, EntryFor(msg))
}

func (b *Batch) Entries() []Entry {
	return b.done
}

func (b *Batch) Reset() {
	b.messages = nil
	b.done = nil
}
