package scheduler

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/queue/queuetest"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/bnema/netkanctl/internal/repo/repotest"
	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
)

const inbound = "https://sqs.test/g1-Inbound.fifo"

const (
	stubPolled = "identifier: Polled\n$kref: '#/ckan/github/alice/polled'\n"
	stubHook   = "identifier: Hooked\n$kref: '#/ckan/spacedock/42'\n"
	stubVref   = "identifier: avc\n$kref: '#/ckan/spacedock/7'\n$vref: '#/ckan/ksp-avc'\n"
)

type fakeRate struct {
	remaining int
	err       error
}

func (f fakeRate) RateLimit(context.Context) (int, error) { return f.remaining, f.err }

type fakeHost struct {
	cpu, io float64
}

func (f fakeHost) CPUCredits(context.Context) (float64, error)     { return f.cpu, nil }
func (f fakeHost) IOBurstBalance(context.Context) (float64, error) { return f.io, nil }

func target(t *testing.T) Target {
	t.Helper()
	return targetWith(t, nil)
}

// targetWith adds extra files to the stub repository
func targetWith(t *testing.T, extra map[string]string) Target {
	t.Helper()
	files := map[string]string{
		"NetKAN/Polled.netkan": stubPolled,
		"NetKAN/Hooked.netkan": stubHook,
		"NetKAN/avc.netkan":    stubVref,
		"NetKAN/Old.frozen":    "identifier: Old\n$kref: '#/ckan/spacedock/1'\n",
	}
	for path, body := range extra {
		files[path] = body
	}
	stubs := repotest.NewRemote(t, "master", files)
	meta := repotest.NewRemote(t, "main", map[string]string{
		"Polled/Polled-1.0.ckan":  `{"identifier":"Polled","version":"1.0"}`,
		"Polled/Polled-1.10.ckan": `{"identifier":"Polled","version":"1.10"}`,
		"Polled/Polled-2.0.ckan":  `{"identifier":"Polled","version":"2.0-beta","release_status":"testing"}`,
	})
	ensure := func(remote *repotest.Remote, name string) *repo.Repo {
		r, err := repo.Ensure(context.Background(), repo.Options{
			URL:  remote.URL(),
			Dir:  filepath.Join(t.TempDir(), name),
			Deep: true,
		})
		if err != nil {
			t.Fatalf("Ensure %s failed: %v", name, err)
		}
		return r
	}
	return Target{
		Game:     &config.Game{ID: "g1", InflationQueue: inbound},
		Netkan:   ensure(stubs, "NetKAN"),
		CkanMeta: ensure(meta, "CKAN-meta"),
	}
}

func TestRunSchedulesGroups(t *testing.T) {
	tests := []struct {
		group Group
		want  []string
	}{
		{GroupNonhooks, []string{"avc", "Polled"}},
		{GroupWebhooks, []string{"Hooked"}},
		{GroupAll, []string{"avc", "Hooked", "Polled"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.group), func(t *testing.T) {
			q := queuetest.New()
			tgt := target(t)
			s := New(q, fakeRate{remaining: 5000}, fakeHost{cpu: 100, io: 100}, DefaultLimits, log.New(&bytes.Buffer{}))

			s.Run(context.Background(), tt.group, []Target{tgt})

			var got []string
			for _, m := range q.Sent(inbound) {
				got = append(got, m.ID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("scheduled mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunSkipsUnreadableStubs(t *testing.T) {
	q := queuetest.New()
	var logs bytes.Buffer
	tgt := targetWith(t, map[string]string{
		"NetKAN/Broken.netkan":    "identifier: [unterminated\n",
		"NetKAN/Anonymous.netkan": "$kref: '#/ckan/github/alice/anon'\n",
	})
	s := New(q, nil, nil, Limits{MaxQueued: 20, Dev: true}, log.New(&logs))

	s.Run(context.Background(), GroupAll, []Target{tgt})

	var got []string
	for _, m := range q.Sent(inbound) {
		got = append(got, m.ID)
	}
	if diff := cmp.Diff([]string{"avc", "Hooked", "Polled"}, got); diff != "" {
		t.Errorf("scheduled mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []string{"Broken", "Anonymous"} {
		if !strings.Contains(logs.String(), id) {
			t.Errorf("expected a log line naming %s, got:\n%s", id, logs.String())
		}
	}
}

func TestMessageAttributes(t *testing.T) {
	q := queuetest.New()
	s := New(q, nil, nil, Limits{MaxQueued: 20, Dev: true}, log.New(&bytes.Buffer{}))
	s.Run(context.Background(), GroupNonhooks, []Target{target(t)})

	sent := q.Sent(inbound)
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sent))
	}
	polled := sent[1]
	sum := md5.Sum([]byte(stubPolled))
	if polled.Body != stubPolled || polled.GroupID != "1" || polled.DeduplicationID != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected message %+v", polled)
	}
	want := map[string]string{
		"GameId":                   "g1",
		"HighestVersion":           "1.10",
		"HighestVersionPrerelease": "2.0-beta",
	}
	if diff := cmp.Diff(want, polled.Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"GameId": "g1"}, sent[0].Attributes); diff != "" {
		t.Errorf("a mod without releases gets only its game (-want +got):\n%s", diff)
	}
}

func TestBackpressure(t *testing.T) {
	tests := []struct {
		name  string
		depth int
		rate  fakeRate
		host  fakeHost
		limit Limits
		log   string
	}{
		{
			name:  "queue depth",
			depth: 25,
			rate:  fakeRate{remaining: 5000},
			host:  fakeHost{cpu: 100, io: 100},
			limit: DefaultLimits,
			log:   "Inflation queue too deep, skipping run game=g1 group=nonhooks depth=25 limit=20",
		},
		{
			name:  "queue depth in dev mode",
			depth: 25,
			limit: Limits{MaxQueued: 20, Dev: true},
			log:   "depth=25 limit=20",
		},
		{
			name:  "github budget",
			rate:  fakeRate{remaining: 10},
			host:  fakeHost{cpu: 100, io: 100},
			limit: DefaultLimits,
			log:   "GitHub API budget too low",
		},
		{
			name:  "github error",
			rate:  fakeRate{err: errors.New("401")},
			limit: DefaultLimits,
			log:   "Cannot read GitHub rate limit",
		},
		{
			name:  "cpu credits",
			rate:  fakeRate{remaining: 5000},
			host:  fakeHost{cpu: 10, io: 100},
			limit: DefaultLimits,
			log:   "CPU credits too low",
		},
		{
			name:  "volume burst",
			rate:  fakeRate{remaining: 5000},
			host:  fakeHost{cpu: 100, io: 30},
			limit: DefaultLimits,
			log:   "Volume burst balance too low",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queuetest.New()
			q.SetDepth(inbound, tt.depth)
			var buf bytes.Buffer
			s := New(q, tt.rate, tt.host, tt.limit, log.NewWithOptions(&buf, log.Options{Formatter: log.LogfmtFormatter}))

			s.Run(context.Background(), GroupNonhooks, []Target{{Game: &config.Game{ID: "g1", InflationQueue: inbound}}})

			if n := len(q.Sent(inbound)); n != 0 {
				t.Errorf("expected nothing sent, got %d", n)
			}
			if !strings.Contains(normalize(buf.String()), tt.log) {
				t.Errorf("log %q does not mention %q", buf.String(), tt.log)
			}
		})
	}
}

func TestDevModeSkipsHostGates(t *testing.T) {
	q := queuetest.New()
	s := New(q, fakeRate{remaining: 0}, fakeHost{}, Limits{MaxQueued: 20, Dev: true}, log.New(&bytes.Buffer{}))
	s.Run(context.Background(), GroupAll, []Target{target(t)})
	if len(q.Sent(inbound)) != 3 {
		t.Errorf("dev mode should bypass host and API gates, sent %d", len(q.Sent(inbound)))
	}
}

// normalize drops logfmt quoting and the level prefix
func normalize(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	return strings.ReplaceAll(s, "level=info msg=", "")
}
