package webhooks

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bnema/netkanctl/internal/adder"
	"github.com/bnema/netkanctl/internal/ckan"
	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/queue/queuetest"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/bnema/netkanctl/internal/repo/repotest"
	"github.com/bnema/netkanctl/internal/scheduler"
	"github.com/bnema/netkanctl/internal/status"
	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
)

const (
	secret         = "hunter2"
	inflationQueue = "https://sqs.example/Inflating.fifo"
	addQueue       = "https://sqs.example/Adding.fifo"
	mirrorQueue    = "https://sqs.example/Mirroring.fifo"

	oldDownload = "https://example.com/old-1.0.zip"
)

var (
	modStub   = "identifier: Mod\n$kref: '#/ckan/spacedock/1'\n"
	otherStub = "identifier: Other\n$kref: '#/ckan/github/someone/Other'\n$vref: '#/ckan/ksp-avc'\n"
)

type fixture struct {
	srv    *httptest.Server
	queue  *queuetest.Fake
	store  status.Store
	cache  string
	cached string
}

func clone(t *testing.T, name string, files map[string]string) *repo.Repo {
	t.Helper()
	remote := repotest.NewRemote(t, "master", files)
	r, err := repo.Ensure(context.Background(), repo.Options{
		URL:  remote.URL(),
		Dir:  filepath.Join(t.TempDir(), name),
		Deep: true,
	})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	return r
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stubs := clone(t, "NetKAN", map[string]string{
		"NetKAN/Mod.netkan":   modStub,
		"NetKAN/Other.netkan": otherStub,
	})
	meta := clone(t, "CKAN-meta", map[string]string{
		"Mod/Mod-1.0.ckan": `{"identifier":"Mod","version":"1.0","download":"https://example.com/mod-1.0.zip"}`,
		"Old/Old-1.0.ckan": `{"identifier":"Old","version":"1.0","download":"` + oldDownload + `"}`,
	})
	store, err := status.OpenPebble(filepath.Join(t.TempDir(), "status"))
	if err != nil {
		t.Fatalf("OpenPebble failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cache := t.TempDir()
	cached := filepath.Join(cache, ckan.CachePrefix(oldDownload)+"-Old-1.0.zip")
	if err := os.WriteFile(cached, []byte("zip"), 0644); err != nil {
		t.Fatal(err)
	}

	q := queuetest.New()
	game := &config.Game{ID: "ksp", InflationQueue: inflationQueue}
	s := New(Options{
		Queue:       q,
		Status:      store,
		Targets:     []scheduler.Target{{Game: game, Netkan: stubs, CkanMeta: meta}},
		DefaultGame: "ksp",
		AddQueue:    addQueue,
		MirrorQueue: mirrorQueue,
		Secret:      secret,
		CacheDir:    cache,
		Logger:      log.New(io.Discard),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, queue: q, store: store, cache: cache, cached: cached}
}

func (f *fixture) post(t *testing.T, path, contentType, body string, header http.Header) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(data))
}

func (f *fixture) github(t *testing.T, path, body string) (int, string) {
	t.Helper()
	sig := "sha256=" + hex.EncodeToString(Sign([]byte(secret), []byte(body)))
	return f.post(t, path, "application/json", body, http.Header{"X-Hub-Signature-256": {sig}})
}

func (f *fixture) form(t *testing.T, path string, values url.Values) (int, string) {
	t.Helper()
	return f.post(t, path, "application/x-www-form-urlencoded", values.Encode(), nil)
}

func bodies(msgs []queue.OutMessage) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health returned %d", resp.StatusCode)
	}
}

func TestInflate(t *testing.T) {
	f := newFixture(t)

	code, _ := f.post(t, "/inflate/ksp", "application/json", `{"identifiers":["Mod","Missing"]}`, nil)
	if code != http.StatusNoContent {
		t.Fatalf("inflate returned %d", code)
	}
	sent := f.queue.Sent(inflationQueue)
	if diff := cmp.Diff([]string{modStub}, bodies(sent)); diff != "" {
		t.Fatalf("sent mismatch (-want +got):\n%s", diff)
	}
	want := map[string]string{queue.AttrGameID: "ksp", scheduler.AttrHighestVersion: "1.0"}
	if diff := cmp.Diff(want, sent[0].Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}

	if code, _ := f.post(t, "/inflate", "application/json", `{"identifiers":[]}`, nil); code != http.StatusBadRequest {
		t.Errorf("empty inflate returned %d, want 400", code)
	}
	if code, _ := f.post(t, "/inflate/nope", "application/json", `{"identifiers":["Mod"]}`, nil); code != http.StatusNotFound {
		t.Errorf("unknown game returned %d, want 404", code)
	}
}

func TestGitHubInflate(t *testing.T) {
	f := newFixture(t)
	push := `{"ref":"refs/heads/master","commits":[
		{"added":["NetKAN/Other.netkan"],"modified":["README.md"]},
		{"added":[],"modified":["NetKAN/Other.netkan","NetKAN/Old.frozen"]}
	]}`

	if code, body := f.github(t, "/gh/inflate/ksp", push); code != http.StatusNoContent {
		t.Fatalf("push returned %d: %s", code, body)
	}
	if diff := cmp.Diff([]string{otherStub}, bodies(f.queue.Sent(inflationQueue))); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	st, err := f.store.Get(context.Background(), "ksp", "Old")
	if err != nil || !st.Frozen {
		t.Errorf("Old should be frozen, got %+v, %v", st, err)
	}
	if _, err := os.Stat(f.cached); !os.IsNotExist(err) {
		t.Error("cached download of the frozen mod should be purged")
	}
}

func TestGitHubWrongBranch(t *testing.T) {
	f := newFixture(t)
	code, body := f.github(t, "/gh/inflate", `{"ref":"refs/heads/feature","commits":[{"added":["NetKAN/Mod.netkan"]}]}`)
	if code != http.StatusOK || body != `{"message":"Wrong branch"}` {
		t.Errorf("got %d %s", code, body)
	}
	if len(f.queue.Sent(inflationQueue)) != 0 {
		t.Error("nothing should be scheduled from another branch")
	}
}

func TestGitHubBadSignature(t *testing.T) {
	f := newFixture(t)
	code, _ := f.post(t, "/gh/mirror/ksp", "application/json", `{"ref":"refs/heads/master"}`,
		http.Header{"X-Hub-Signature-256": {"sha256=00"}})
	if code != http.StatusForbidden {
		t.Errorf("bad signature returned %d, want 403", code)
	}
	if code, _ := f.post(t, "/gh/inflate", "application/json", `{}`, nil); code != http.StatusForbidden {
		t.Errorf("missing signature returned %d, want 403", code)
	}
}

func TestGitHubMirror(t *testing.T) {
	f := newFixture(t)
	push := `{"ref":"refs/heads/master","commits":[{"added":["Mod/Mod-1.1.ckan","download_counts.json"],"modified":["Mod/Mod-1.0.ckan"]}]}`
	if code, body := f.github(t, "/gh/mirror/ksp", push); code != http.StatusNoContent {
		t.Fatalf("push returned %d: %s", code, body)
	}
	sent := f.queue.Sent(mirrorQueue)
	if diff := cmp.Diff([]string{"Mod/Mod-1.1.ckan", "Mod/Mod-1.0.ckan"}, bodies(sent)); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if sent[0].Attributes[queue.AttrGameID] != "ksp" || sent[0].GroupID == "" || sent[0].DeduplicationID == "" {
		t.Errorf("incomplete mirror message %+v", sent[0])
	}
}

func TestSpaceDockInflate(t *testing.T) {
	f := newFixture(t)

	if code, _ := f.form(t, "/sd/inflate", url.Values{"mod_id": {"1"}, "event_type": {"version-update"}}); code != http.StatusNoContent {
		t.Fatalf("update returned %d", code)
	}
	if diff := cmp.Diff([]string{modStub}, bodies(f.queue.Sent(inflationQueue))); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	if code, _ := f.form(t, "/sd/inflate", url.Values{"mod_id": {"1"}, "event_type": {"locked"}}); code != http.StatusNoContent {
		t.Errorf("locked returned %d", code)
	}
	if code, _ := f.form(t, "/sd/inflate", url.Values{"mod_id": {"1"}, "event_type": {"bogus"}}); code != http.StatusBadRequest {
		t.Errorf("unknown event returned %d", code)
	}
	if n := len(f.queue.Sent(inflationQueue)); n != 1 {
		t.Errorf("only the update should schedule, sent %d", n)
	}
}

func TestSpaceDockAdd(t *testing.T) {
	f := newFixture(t)
	form := url.Values{
		"name":          {"Cool Mod"},
		"id":            {"42"},
		"username":      {"alice"},
		"email":         {"alice@example.com"},
		"source_link":   {"https://github.com/alice/CoolMod"},
		"site_name":     {"SpaceDock"},
		"all_authors":   {"alice, bob"},
		"external_link": {""},
	}
	if code, body := f.form(t, "/sd/add/ksp", form); code != http.StatusNoContent {
		t.Fatalf("add returned %d: %s", code, body)
	}
	sent := f.queue.Sent(addQueue)
	if len(sent) != 1 {
		t.Fatalf("expected one submission, got %d", len(sent))
	}
	sub, err := adder.ParseSubmission(sent[0].Body)
	if err != nil {
		t.Fatalf("queued submission does not parse: %v", err)
	}
	if sub.Identifier() != "CoolMod" || sub.ID != "42" || !cmp.Equal(sub.Authors, []string{"alice", "bob"}) {
		t.Errorf("unexpected submission %+v", sub)
	}

	if code, _ := f.form(t, "/sd/add/ksp", url.Values{"name": {"x"}}); code != http.StatusBadRequest {
		t.Errorf("incomplete submission returned %d", code)
	}
}

func TestChangedPaths(t *testing.T) {
	got := ChangedPaths([]byte(`{"commits":[{"added":["a","b"],"modified":["a"]},{"modified":["c"],"removed":["d"]}]}`))
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}
