// Package scheduler enqueues inflation requests for every active stub.
package scheduler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/netkanctl/internal/ckan"
	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/bnema/netkanctl/internal/netkan"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/charmbracelet/log"
)

// Group selects which stubs a run schedules
type Group string

const (
	// GroupWebhooks holds stubs that only change when SpaceDock tells us
	GroupWebhooks Group = "webhooks"
	GroupNonhooks Group = "nonhooks"
	GroupAll      Group = "all"
)

// Attributes of an inflation request
const (
	AttrHighestVersion           = "HighestVersion"
	AttrHighestVersionPrerelease = "HighestVersionPrerelease"

	// messageGroup orders every request of a queue
	messageGroup = "1"
)

// Limits are the backpressure thresholds
type Limits struct {
	MaxQueued int
	MinCPU    float64
	MinIO     float64
	MinGH     int
	// Dev skips the host and API gates
	Dev bool
}

// DefaultLimits are used when a flag is not given
var DefaultLimits = Limits{MaxQueued: 20, MinCPU: 50, MinIO: 70, MinGH: 1500}

// RateLimiter reports the remaining GitHub API budget
type RateLimiter interface {
	RateLimit(ctx context.Context) (int, error)
}

// Target is a game and its two clones
type Target struct {
	Game     *config.Game
	Netkan   *repo.Repo
	CkanMeta *repo.Repo
}

// Scheduler sends inflation requests
type Scheduler struct {
	queue  queue.Client
	gh     RateLimiter
	host   HostBudget
	limits Limits
	log    *log.Logger

	// mu serialises runs sharing the same clones
	mu sync.Mutex
}

// New creates a scheduler. host may be nil when not running on a burstable instance.
func New(q queue.Client, gh RateLimiter, host HostBudget, limits Limits, logger *log.Logger) *Scheduler {
	return &Scheduler{
		queue:  q,
		gh:     gh,
		host:   host,
		limits: limits,
		log:    logger,
	}
}

// Every runs immediately and then every interval until ctx is done
func (s *Scheduler) Every(ctx context.Context, interval time.Duration, group Group, targets []Target) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Run(ctx, group, targets)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Run schedules group for every target whose gates pass
func (s *Scheduler) Run(ctx context.Context, group Group, targets []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}
		logger := s.log.With("game", t.Game.ID, "group", group)
		if !s.canSchedule(ctx, t.Game, logger) {
			continue
		}
		n, err := s.schedule(ctx, t, group)
		if err != nil {
			logger.Error("Scheduling failed", "err", err)
			continue
		}
		logger.Info("Scheduled inflations", "count", n)
	}
}

// canSchedule runs the backpressure gates
func (s *Scheduler) canSchedule(ctx context.Context, game *config.Game, logger *log.Logger) bool {
	skip := func(gate string, msg string, kv ...interface{}) bool {
		metrics.SchedulerSkips.WithLabelValues(game.ID, gate).Inc()
		logger.Info(msg, kv...)
		return false
	}

	depth, err := s.queue.Depth(ctx, game.InflationQueue)
	if err != nil {
		return skip("queue", "Cannot read inflation queue depth, skipping run", "err", err)
	}
	if depth > s.limits.MaxQueued {
		return skip("queue", "Inflation queue too deep, skipping run", "depth", depth, "limit", s.limits.MaxQueued)
	}
	if s.limits.Dev {
		return true
	}

	if s.gh != nil {
		remaining, err := s.gh.RateLimit(ctx)
		if err != nil {
			return skip("github", "Cannot read GitHub rate limit, skipping run", "err", err)
		}
		if remaining < s.limits.MinGH {
			return skip("github", "GitHub API budget too low, skipping run", "remaining", remaining, "limit", s.limits.MinGH)
		}
	}

	if s.host != nil {
		credits, err := s.host.CPUCredits(ctx)
		if err != nil {
			return skip("cpu", "Cannot read CPU credits, skipping run", "err", err)
		}
		if credits < s.limits.MinCPU {
			return skip("cpu", "CPU credits too low, skipping run", "credits", credits, "limit", s.limits.MinCPU)
		}
		burst, err := s.host.IOBurstBalance(ctx)
		if err != nil {
			return skip("io", "Cannot read volume burst balance, skipping run", "err", err)
		}
		if burst < s.limits.MinIO {
			return skip("io", "Volume burst balance too low, skipping run", "balance", burst, "limit", s.limits.MinIO)
		}
	}
	return true
}

func (s *Scheduler) schedule(ctx context.Context, t Target, group Group) (int, error) {
	if err := t.Netkan.Acquire(ctx); err != nil {
		_ = t.Netkan.Close()
		return 0, fmt.Errorf("failed to update stubs: %w", err)
	}
	defer func() { _ = t.Netkan.Close() }()
	if err := t.CkanMeta.Acquire(ctx); err != nil {
		_ = t.CkanMeta.Close()
		return 0, fmt.Errorf("failed to update metadata: %w", err)
	}
	defer func() { _ = t.CkanMeta.Close() }()

	stubs, err := netkan.NewStubRepo(t.Netkan.Dir()).Netkans(func(id string, err error) {
		s.log.Error("Skipping unreadable stub", "game", t.Game.ID, "mod", id, "err", err)
	})
	if err != nil {
		return 0, err
	}
	var selected []*netkan.Netkan
	for _, n := range stubs {
		if InGroup(n, group) {
			selected = append(selected, n)
		}
	}
	msgs := Messages(t.Game.ID, selected, ckan.NewMetaRepo(t.CkanMeta.Dir()))
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := s.queue.SendBatch(ctx, t.Game.InflationQueue, msgs); err != nil {
		return 0, fmt.Errorf("failed to send inflation requests: %w", err)
	}
	metrics.ScheduledMessages.WithLabelValues(t.Game.ID, string(group)).Add(float64(len(msgs)))
	return len(msgs), nil
}

// InGroup reports whether n belongs to group
func InGroup(n *netkan.Netkan, group Group) bool {
	switch group {
	case GroupWebhooks:
		return n.HookOnly()
	case GroupNonhooks:
		return !n.HookOnly()
	default:
		return true
	}
}

// Messages builds one inflation request per stub. meta may be nil when the
// metadata repository is not at hand.
func Messages(game string, stubs []*netkan.Netkan, meta *ckan.MetaRepo) []queue.OutMessage {
	msgs := make([]queue.OutMessage, 0, len(stubs))
	for _, n := range stubs {
		body := string(n.Raw())
		sum := md5.Sum(n.Raw())
		attrs := map[string]string{queue.AttrGameID: game}
		if meta != nil {
			if v, ok := meta.HighestVersion(n.Identifier); ok {
				attrs[AttrHighestVersion] = v
			}
			if v, ok := meta.HighestPrerelease(n.Identifier); ok {
				attrs[AttrHighestVersionPrerelease] = v
			}
		}
		msgs = append(msgs, queue.OutMessage{
			ID:              queue.EntryID(n.Identifier),
			Body:            body,
			GroupID:         messageGroup,
			DeduplicationID: hex.EncodeToString(sum[:]),
			Attributes:      attrs,
		})
	}
	return msgs
}
