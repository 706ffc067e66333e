package webhooks

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bnema/netkanctl/internal/ckan"
	"github.com/bnema/netkanctl/internal/netkan"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/scheduler"
	"github.com/bnema/netkanctl/internal/status"
	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
)

const messageGroup = "1"

// SpaceDock event types
const (
	eventUpdate        = "update"
	eventVersionUpdate = "version-update"
	eventDelete        = "delete"
	eventLocked        = "locked"
	eventUnlocked      = "unlocked"
)

// inflate schedules the stubs named in {"identifiers": [...]}
func (s *Server) inflate(w http.ResponseWriter, r *http.Request) {
	t, ok := s.game(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var ids []string
	for _, v := range gjson.GetBytes(body, "identifiers").Array() {
		if id := strings.TrimSpace(v.String()); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "No identifiers received")
		return
	}
	if _, err := s.schedule(r.Context(), t, ids); err != nil {
		s.fail(w, "Failed to schedule inflation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// githubInflate handles pushes to the stub repository
func (s *Server) githubInflate(w http.ResponseWriter, r *http.Request) {
	t, ok := s.game(w, r)
	if !ok {
		return
	}
	body, _ := io.ReadAll(r.Body)
	if !onPrimary(body, t.Netkan.Primary()) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Wrong branch"})
		return
	}

	var active, frozen []string
	for _, p := range ChangedPaths(body) {
		ident, ext, ok := netkan.SplitPath(p)
		if !ok {
			continue
		}
		if ext == netkan.FrozenExt {
			frozen = append(frozen, ident)
		} else {
			active = append(active, ident)
		}
	}
	if len(frozen) > 0 {
		if err := s.freeze(r.Context(), t, frozen); err != nil {
			s.fail(w, "Failed to record frozen mods", err)
			return
		}
	}
	if len(active) > 0 {
		if _, err := s.schedule(r.Context(), t, active); err != nil {
			s.fail(w, "Failed to schedule inflation", err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// githubMirror handles pushes to the metadata repository
func (s *Server) githubMirror(w http.ResponseWriter, r *http.Request) {
	t, ok := s.game(w, r)
	if !ok {
		return
	}
	body, _ := io.ReadAll(r.Body)
	if !onPrimary(body, t.CkanMeta.Primary()) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Wrong branch"})
		return
	}

	var msgs []queue.OutMessage
	for _, p := range ChangedPaths(body) {
		if path.Ext(p) == ckan.Ext {
			msgs = append(msgs, outMessage(t.Game.ID, p, p))
		}
	}
	if len(msgs) > 0 {
		if err := s.queue.SendBatch(r.Context(), s.mirrorQueue, msgs); err != nil {
			s.fail(w, "Failed to request mirroring", err)
			return
		}
		s.log.Info("Requested mirroring", "game", t.Game.ID, "count", len(msgs))
	}
	w.WriteHeader(http.StatusNoContent)
}

// spacedockInflate handles SpaceDock mod events
func (s *Server) spacedockInflate(w http.ResponseWriter, r *http.Request) {
	t, ok := s.game(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "unreadable form")
		return
	}
	modID := r.PostForm.Get("mod_id")
	event := r.PostForm.Get("event_type")
	logger := s.log.With("game", t.Game.ID, "mod_id", modID, "event", event)

	switch event {
	case eventUpdate, eventVersionUpdate:
	case eventDelete, eventLocked, eventUnlocked:
		logger.Info("SpaceDock mod event")
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event_type %q", event))
		return
	}
	if modID == "" {
		writeError(w, http.StatusBadRequest, "mod_id is required")
		return
	}

	n, err := s.scheduleWhere(r.Context(), t, func(n *netkan.Netkan) bool {
		return n.KrefSource() == netkan.SourceSpaceDock && n.KrefID() == modID
	})
	if err != nil {
		s.fail(w, "Failed to schedule inflation", err)
		return
	}
	if n == 0 {
		logger.Warn("No stub inflates from this SpaceDock mod")
	}
	w.WriteHeader(http.StatusNoContent)
}

// spacedockAdd queues a submission from a SpaceDock form post
func (s *Server) spacedockAdd(w http.ResponseWriter, r *http.Request) {
	t, ok := s.game(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "unreadable form")
		return
	}
	sub := map[string]interface{}{}
	for _, key := range []string{
		"name", "id", "license", "username", "email", "short_description",
		"description", "external_link", "source_link", "site_name",
	} {
		sub[key] = r.PostForm.Get(key)
	}
	authors := r.PostForm["all_authors"]
	if len(authors) == 1 && strings.Contains(authors[0], ",") {
		authors = strings.Split(authors[0], ",")
	}
	for i := range authors {
		authors[i] = strings.TrimSpace(authors[i])
	}
	sub["all_authors"] = authors
	if sub["name"] == "" || sub["id"] == "" {
		writeError(w, http.StatusBadRequest, "name and id are required")
		return
	}

	body, err := json.Marshal(sub)
	if err != nil {
		s.fail(w, "Failed to encode submission", err)
		return
	}
	msg := outMessage(t.Game.ID, string(body), fmt.Sprintf("%v", sub["id"]))
	if err := s.queue.SendBatch(r.Context(), s.addQueue, []queue.OutMessage{msg}); err != nil {
		s.fail(w, "Failed to queue submission", err)
		return
	}
	s.log.Info("Queued submission", "game", t.Game.ID, "name", sub["name"])
	w.WriteHeader(http.StatusNoContent)
}

// onPrimary reports whether a push payload is for the primary branch
func onPrimary(body []byte, primary string) bool {
	ref := gjson.GetBytes(body, "ref").String()
	return ref == "refs/heads/"+primary
}

// ChangedPaths lists the added and modified files of a push payload without repeats
func ChangedPaths(body []byte) []string {
	seen := map[string]bool{}
	var paths []string
	for _, c := range gjson.GetBytes(body, "commits").Array() {
		for _, key := range []string{"added", "modified"} {
			for _, p := range c.Get(key).Array() {
				if v := p.String(); v != "" && !seen[v] {
					seen[v] = true
					paths = append(paths, v)
				}
			}
		}
	}
	return paths
}

// schedule sends inflation requests for the named stubs
func (s *Server) schedule(ctx context.Context, t scheduler.Target, ids []string) (int, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return s.scheduleWhere(ctx, t, func(n *netkan.Netkan) bool { return want[n.Identifier] })
}

func (s *Server) scheduleWhere(ctx context.Context, t scheduler.Target, match func(*netkan.Netkan) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		if match(n) {
			selected = append(selected, n)
		}
	}
	if len(selected) == 0 {
		return 0, nil
	}
	msgs := scheduler.Messages(t.Game.ID, selected, ckan.NewMetaRepo(t.CkanMeta.Dir()))
	if err := s.queue.SendBatch(ctx, t.Game.InflationQueue, msgs); err != nil {
		return 0, fmt.Errorf("failed to send inflation requests: %w", err)
	}
	s.log.Info("Scheduled inflation", "game", t.Game.ID, "count", len(msgs))
	return len(msgs), nil
}

// freeze marks mods frozen and drops their cached downloads
func (s *Server) freeze(ctx context.Context, t scheduler.Target, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if err := s.status.Upsert(ctx, t.Game.ID, id, status.Attrs{Frozen: status.Bool(true)}); err != nil {
			return err
		}
		s.log.Info("Mod frozen", "game", t.Game.ID, "mod", id)
	}
	if s.cacheDir == "" {
		return nil
	}

	if err := t.CkanMeta.Acquire(ctx); err != nil {
		_ = t.CkanMeta.Close()
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	defer func() { _ = t.CkanMeta.Close() }()
	meta := ckan.NewMetaRepo(t.CkanMeta.Dir())
	for _, id := range ids {
		s.purge(meta, id, s.log.With("game", t.Game.ID, "mod", id))
	}
	return nil
}

func (s *Server) purge(meta *ckan.MetaRepo, id string, logger *log.Logger) {
	ckans, err := meta.Ckans(id)
	if err != nil {
		logger.Warn("Cannot read descriptors to purge the cache", "err", err)
		return
	}
	for _, c := range ckans {
		for _, url := range c.Downloads() {
			matches, _ := filepath.Glob(filepath.Join(s.cacheDir, ckan.CachePrefix(url)+"*"))
			for _, m := range matches {
				if err := os.Remove(m); err != nil {
					logger.Warn("Failed to purge cached download", "file", filepath.Base(m), "err", err)
					continue
				}
				logger.Info("Purged cached download", "file", filepath.Base(m))
			}
		}
	}
}

func outMessage(game, body, id string) queue.OutMessage {
	sum := md5.Sum([]byte(body))
	return queue.OutMessage{
		ID:              queue.EntryID(id),
		Body:            body,
		GroupID:         messageGroup,
		DeduplicationID: hex.EncodeToString(sum[:]),
		Attributes:      map[string]string{queue.AttrGameID: game},
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "err", err)
	writeError(w, http.StatusInternalServerError, msg)
}
