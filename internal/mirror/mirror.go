// Package mirror uploads redistributable downloads to archive.org.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/netkanctl/internal/archive"
	"github.com/bnema/netkanctl/internal/ckan"
	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/charmbracelet/log"
	"github.com/imroc/req"
	"golang.org/x/net/html"
)

var ErrHashMismatch = errors.New("download hash mismatch")

// Archive is the archival store
type Archive interface {
	Check(ctx context.Context, bucket string) error
	Exists(ctx context.Context, id string) (bool, error)
	Upload(ctx context.Context, item archive.Item) error
}

// Handler mirrors the descriptors named by the messages of one game
type Handler struct {
	queue.Batch

	game     *config.Game
	repo     *repo.Repo
	archive  Archive
	cacheDir string
	http     *req.Req
	log      *log.Logger
}

// New creates the handler of game. cacheDir is searched for downloads before fetching them.
func New(game *config.Game, r *repo.Repo, ia Archive, cacheDir string, hc *http.Client, logger *log.Logger) *Handler {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Minute}
	}
	dl := req.New()
	dl.SetClient(hc)
	return &Handler{
		game:     game,
		repo:     r,
		archive:  ia,
		cacheDir: cacheDir,
		http:     dl,
		log:      logger.With("game", game.ID),
	}
}

// Open gives up early when archive.org is overloaded, then pulls the metadata
func (h *Handler) Open(ctx context.Context) error {
	if err := h.archive.Check(ctx, h.game.IACollection); err != nil {
		return err
	}
	return h.repo.Acquire(ctx)
}

func (h *Handler) Close() error {
	return h.repo.Close()
}

func (h *Handler) Process(ctx context.Context) error {
	for _, msg := range h.Messages() {
		path := strings.TrimSpace(msg.Body)
		logger := h.log.With("path", path)
		done, err := h.mirror(ctx, path, logger)
		switch {
		case errors.Is(err, archive.ErrOverloaded):
			return err
		case errors.Is(err, ErrHashMismatch):
			metrics.MirrorResults.WithLabelValues(h.game.ID, "hash_mismatch").Inc()
			logger.Error("Hash mismatch", "err", err)
		case err != nil:
			metrics.MirrorResults.WithLabelValues(h.game.ID, "error").Inc()
			logger.Error("Failed to mirror", "err", err)
		}
		if done {
			h.Done(msg)
		}
	}
	return nil
}

// mirror uploads one descriptor's download. done reports whether the message is finished with.
func (h *Handler) mirror(ctx context.Context, path string, logger *log.Logger) (bool, error) {
	c, err := ckan.Load(filepath.Join(h.repo.Dir(), filepath.FromSlash(path)))
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("Descriptor no longer exists")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if reason := rejection(c); reason != "" {
		metrics.MirrorResults.WithLabelValues(h.game.ID, "rejected").Inc()
		logger.Info("Not mirroring", "reason", reason)
		return true, nil
	}

	item := c.MirrorItem()
	exists, err := h.archive.Exists(ctx, item)
	if err != nil {
		return false, err
	}
	if exists {
		metrics.MirrorResults.WithLabelValues(h.game.ID, "exists").Inc()
		logger.Debug("Already mirrored", "item", item)
		return true, nil
	}

	file, cleanup, err := h.artifact(ctx, c)
	if err != nil {
		return false, err
	}
	defer cleanup()

	want := c.DownloadHash("sha256")
	got, err := sha256File(file)
	if err != nil {
		return false, err
	}
	if got != want {
		return false, fmt.Errorf("%w: %s expected %s, got %s", ErrHashMismatch, c.Download(), want, got)
	}

	if err := h.archive.Upload(ctx, archive.Item{
		ID:       item,
		Filename: c.MirrorFilename(),
		Path:     file,
		Meta:     Metadata(c, h.game.IACollection),
	}); err != nil {
		return false, err
	}
	metrics.MirrorResults.WithLabelValues(h.game.ID, "uploaded").Inc()
	logger.Info("Mirrored", "item", item, "file", c.MirrorFilename())
	return true, nil
}

// rejection explains why c can never be mirrored, empty when it can
func rejection(c *ckan.Ckan) string {
	if c.Kind() != ckan.KindPackage {
		return "kind is " + c.Kind()
	}
	if _, ok := c.MirrorExt(); !ok {
		return fmt.Sprintf("unsupported content type %q", c.DownloadContentType())
	}
	if !Redistributable(c.Licenses()) {
		return "license is not redistributable"
	}
	if c.DownloadHash("sha256") == "" {
		return "no sha256 download hash"
	}
	return ""
}

// artifact finds the download in the cache or fetches it to a temporary file
func (h *Handler) artifact(ctx context.Context, c *ckan.Ckan) (string, func(), error) {
	if h.cacheDir != "" {
		matches, _ := filepath.Glob(filepath.Join(h.cacheDir, c.CachePrefix()+"*"))
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
				h.log.Debug("Using cached download", "file", filepath.Base(m))
				return m, func() {}, nil
			}
		}
	}

	tmp, err := os.CreateTemp("", "netkan-mirror-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	cleanup := func() { _ = os.Remove(name) }

	resp, err := h.http.Get(c.Download(), req.Header{"User-Agent": "netkanctl/1.0"}, ctx)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to download %s: %w", c.Download(), err)
	}
	if code := resp.Response().StatusCode; code != http.StatusOK {
		_ = resp.Response().Body.Close()
		cleanup()
		return "", nil, fmt.Errorf("download of %s returned status %d", c.Download(), code)
	}
	if err := resp.ToFile(name); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to save download: %w", err)
	}
	return name, cleanup, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("failed to hash artifact: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(sum.Sum(nil))), nil
}

// Metadata is the archive.org metadata of c's item
func Metadata(c *ckan.Ckan, collection string) map[string][]string {
	meta := map[string][]string{
		"mediatype":   {"software"},
		"collection":  {collection},
		"title":       {fmt.Sprintf("%s - %s", c.Name(), c.VersionString())},
		"description": {Description(c)},
	}
	if authors := c.Authors(); len(authors) > 0 {
		meta["creator"] = authors
	}
	if urls := LicenseURLs(c.Licenses()); len(urls) > 0 {
		meta["licenseurl"] = urls
	}
	return meta
}

// Description is the abstract followed by links and licenses, as HTML
func Description(c *ckan.Ckan) string {
	parts := []string{html.EscapeString(c.Abstract())}
	res := c.Resources()
	if u := res["homepage"]; u != "" {
		parts = append(parts, "Homepage: "+link(u))
	}
	if u := res["repository"]; u != "" {
		parts = append(parts, "Repository: "+link(u))
	}
	parts = append(parts, "License(s): "+html.EscapeString(strings.Join(c.Licenses(), " ")))
	return strings.Join(parts, "<br><br>")
}

func link(u string) string {
	e := html.EscapeString(u)
	return `<a href="` + e + `">` + e + `</a>`
}
