// Package webhooks is the HTTP front-end turning GitHub and SpaceDock
// notifications into queue messages.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/metrics"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/scheduler"
	"github.com/bnema/netkanctl/internal/status"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var ErrBadSignature = errors.New("bad webhook signature")

const (
	signatureHeader = "X-Hub-Signature-256"
	maxBody         = 10 << 20
)

// Options wires a Server
type Options struct {
	Queue  queue.Client
	Status status.Store
	// Targets are the repositories of every game
	Targets []scheduler.Target
	// DefaultGame serves the routes without a game segment
	DefaultGame string
	AddQueue    string
	MirrorQueue string
	// Secret checks GitHub signatures, empty disables the check
	Secret   string
	CacheDir string
	Logger   *log.Logger
}

// Server handles webhook requests
type Server struct {
	queue       queue.Client
	status      status.Store
	targets     map[string]scheduler.Target
	defaultGame string
	addQueue    string
	mirrorQueue string
	secret      []byte
	cacheDir    string
	log         *log.Logger

	// mu serialises use of the repository clones
	mu sync.Mutex
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Server{
		queue:       opts.Queue,
		status:      opts.Status,
		targets:     make(map[string]scheduler.Target, len(opts.Targets)),
		defaultGame: strings.ToLower(opts.DefaultGame),
		addQueue:    opts.AddQueue,
		mirrorQueue: opts.MirrorQueue,
		secret:      []byte(opts.Secret),
		cacheDir:    opts.CacheDir,
		log:         logger,
	}
	for _, t := range opts.Targets {
		s.targets[t.Game.ID] = t
	}
	if s.defaultGame == "" && len(opts.Targets) > 0 {
		s.defaultGame = opts.Targets[0].Game.ID
	}
	if len(s.secret) == 0 {
		logger.Warn("No webhook secret configured, GitHub signatures are not checked")
	}
	return s
}

// Handler returns the router of every endpoint
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Post("/inflate", s.inflate)
	r.Post("/inflate/{game}", s.inflate)

	r.Group(func(r chi.Router) {
		r.Use(s.verify)
		r.Post("/gh/inflate", s.githubInflate)
		r.Post("/gh/inflate/{game}", s.githubInflate)
		r.Post("/gh/mirror", s.githubMirror)
		r.Post("/gh/mirror/{game}", s.githubMirror)
	})

	r.Post("/sd/inflate", s.spacedockInflate)
	r.Post("/sd/inflate/{game}", s.spacedockInflate)
	r.Post("/sd/add/{game}", s.spacedockAdd)
	return r
}

// Serve listens on addr until ctx is done
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("Listening for webhooks", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		metrics.WebhookRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		s.log.Debug("Handled request", "method", r.Method, "route", route, "code", code, "took", time.Since(start))
	})
}

// verify rejects GitHub deliveries whose signature does not match the body
func (s *Server) verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if err := s.checkSignature(body, r.Header.Get(signatureHeader)); err != nil {
			s.log.Warn("Rejected webhook", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkSignature(body []byte, header string) error {
	if len(s.secret) == 0 {
		return nil
	}
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(sig, Sign(s.secret, body)) {
		return ErrBadSignature
	}
	return nil
}

// Sign is the HMAC-SHA256 GitHub puts in X-Hub-Signature-256
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// target resolves the game of the request, the default game when the route has none
func (s *Server) target(r *http.Request) (scheduler.Target, bool) {
	id := strings.ToLower(chi.URLParam(r, "game"))
	if id == "" {
		id = s.defaultGame
	}
	t, ok := s.targets[id]
	return t, ok
}

func (s *Server) game(w http.ResponseWriter, r *http.Request) (scheduler.Target, bool) {
	t, ok := s.target(r)
	if !ok {
		writeError(w, http.StatusNotFound, config.ErrUnknownGame.Error())
	}
	return t, ok
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}
