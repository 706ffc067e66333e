package adder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bnema/netkanctl/internal/analyzer"
	"github.com/bnema/netkanctl/internal/config"
	"github.com/bnema/netkanctl/internal/github"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/bnema/netkanctl/internal/repo"
	"github.com/bnema/netkanctl/internal/repo/repotest"
	mock_github "github.com/bnema/netkanctl/internal/test/mock/github"
	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"
	"gopkg.in/yaml.v3"
)

const spacedock = "https://spacedock.example"

const submission = `{
	"name": "Cool Mod!",
	"id": 42,
	"license": "MIT",
	"username": "alice",
	"email": "alice@example.com",
	"short_description": "Makes things cool",
	"description": "Long **markdown** text",
	"external_link": "https://forum.example/cool",
	"source_link": "https://github.com/alice/CoolMod",
	"site_name": "SpaceDock",
	"all_authors": ["alice", "bob"]
}`

type fakeReleases struct {
	release *github.Release
	err     error
	asked   []string
}

func (f *fakeReleases) LatestRelease(_ context.Context, owner, repo string) (*github.Release, error) {
	f.asked = append(f.asked, owner+"/"+repo)
	return f.release, f.err
}

type fakeAnalyzer struct {
	props *analyzer.Props
	calls []string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, url, identifier, installRoot string) (*analyzer.Props, error) {
	f.calls = append(f.calls, strings.Join([]string{url, identifier, installRoot}, " "))
	return f.props, nil
}

type fixture struct {
	remote   *repotest.Remote
	handler  *Handler
	prs      *mock_github.MockPullRequester
	releases *fakeReleases
	analyzer *fakeAnalyzer
	seq      int
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	if files == nil {
		files = map[string]string{"NetKAN/Other.netkan": "identifier: Other\n"}
	}
	remote := repotest.NewRemote(t, "master", files)
	r, err := repo.Ensure(context.Background(), repo.Options{
		URL:  remote.URL(),
		Dir:  filepath.Join(t.TempDir(), "NetKAN"),
		Deep: true,
	})
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	f := &fixture{
		remote:   remote,
		prs:      mock_github.NewMockPullRequester(gomock.NewController(t)),
		releases: &fakeReleases{release: &github.Release{TagName: "v1.2.0"}},
		analyzer: &fakeAnalyzer{props: &analyzer.Props{
			Vref:    analyzer.AVCVref,
			Tags:    []string{"plugin"},
			Install: []analyzer.Install{{Find: "CoolMod", InstallTo: "GameData"}},
		}},
	}
	game := &config.Game{ID: "ksp", NetkanRepo: "KSP-CKAN/NetKAN", InstallRoot: "GameData"}
	f.handler = New(game, r, f.prs, f.releases, f.analyzer, spacedock, log.New(io.Discard))
	return f
}

func (f *fixture) run(t *testing.T, bodies ...string) []queue.Entry {
	t.Helper()
	h := f.handler
	defer h.Reset()
	for _, b := range bodies {
		f.seq++
		h.Append(queue.Message{ID: fmt.Sprintf("m%d", f.seq), ReceiptHandle: fmt.Sprintf("rh%d", f.seq), Body: b})
	}
	err := h.Open(context.Background())
	if err == nil {
		err = h.Process(context.Background())
	}
	_ = h.Close()
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	return append([]queue.Entry(nil), h.Entries()...)
}

// documents decodes a stub keeping the key order of every document
func documents(t *testing.T, stub string) ([]map[string]interface{}, [][]string) {
	t.Helper()
	var docs []map[string]interface{}
	var keys [][]string
	dec := yaml.NewDecoder(strings.NewReader(stub))
	for {
		var node yaml.Node
		if err := dec.Decode(&node); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("stub is not valid YAML: %v\n%s", err, stub)
		}
		var doc map[string]interface{}
		if err := node.Decode(&doc); err != nil {
			t.Fatal(err)
		}
		var order []string
		for i := 0; i < len(node.Content[0].Content); i += 2 {
			order = append(order, node.Content[0].Content[i].Value)
		}
		docs = append(docs, doc)
		keys = append(keys, order)
	}
	return docs, keys
}

func TestAddSubmitsStub(t *testing.T) {
	f := newFixture(t, nil)
	f.prs.EXPECT().OpenPullRequest(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, pr github.NewPullRequest) (*github.PullRequest, error) {
			if pr.Repo != "KSP-CKAN/NetKAN" || pr.Branch != "add/CoolMod" || pr.Title != "Add Cool Mod! from SpaceDock" {
				t.Errorf("unexpected pull request %+v", pr)
			}
			if diff := cmp.Diff(Labels, pr.Labels); diff != "" {
				t.Errorf("labels mismatch (-want +got):\n%s", diff)
			}
			for _, want := range []string{"[Cool Mod!](https://spacedock.example/mod/42)", "alice, bob", "## Description", "Long **markdown** text"} {
				if !strings.Contains(pr.Body, want) {
					t.Errorf("body lacks %q:\n%s", want, pr.Body)
				}
			}
			return &github.PullRequest{Number: 7}, nil
		})

	entries := f.run(t, submission)
	if len(entries) != 1 {
		t.Fatalf("expected the submission to be acknowledged, got %d entries", len(entries))
	}

	if diff := cmp.Diff([]string{"https://spacedock.example/mod/42/Cool%20Mod%21/download CoolMod GameData"}, f.analyzer.calls); diff != "" {
		t.Errorf("analyser calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice/CoolMod"}, f.releases.asked); diff != "" {
		t.Errorf("release lookups mismatch (-want +got):\n%s", diff)
	}

	stub, ok := f.remote.File(t, "add/CoolMod", "NetKAN/CoolMod.netkan")
	if !ok {
		t.Fatalf("stub was not pushed, branches: %v", f.remote.Branches(t))
	}
	if _, ok := f.remote.File(t, "master", "NetKAN/CoolMod.netkan"); ok {
		t.Error("stub must not land on the primary branch")
	}
	if got := f.remote.Author(t, "add/CoolMod"); got != "alice <alice@example.com>" {
		t.Errorf("commit author = %q", got)
	}
	if msg := f.remote.Message(t, "add/CoolMod"); !strings.HasPrefix(msg, "Add Cool Mod! from SpaceDock") {
		t.Errorf("unexpected commit message %q", msg)
	}

	docs, keys := documents(t, stub)
	want := []map[string]interface{}{
		{
			"spec_version":          "v1.18",
			"identifier":            "CoolMod",
			"$kref":                 "#/ckan/github/alice/CoolMod",
			"x_netkan_version_edit": "^v(?<version>.+)$",
			"x_netkan_github":       map[string]interface{}{"use_source_archive": true},
			"$vref":                 "#/ckan/ksp-avc",
		},
		{
			"spec_version": "v1.4",
			"identifier":   "CoolMod",
			"$kref":        "#/ckan/spacedock/42",
			"license":      "MIT",
			"$vref":        "#/ckan/ksp-avc",
			"tags":         []interface{}{"plugin"},
			"install": []interface{}{
				map[string]interface{}{"find": "CoolMod", "install_to": "GameData"},
			},
			"x_via": "Automated SpaceDock CKAN submission",
		},
	}
	if diff := cmp.Diff(want, docs); diff != "" {
		t.Errorf("stub mismatch (-want +got):\n%s", diff)
	}
	if keys[0][0] != "spec_version" || keys[1][len(keys[1])-1] != "x_via" {
		t.Errorf("unexpected key order %v", keys)
	}
}

func TestAddWithoutRelease(t *testing.T) {
	f := newFixture(t, nil)
	f.releases.release, f.releases.err = nil, fmt.Errorf("GET: %w", github.ErrNotFound)
	f.analyzer.props = &analyzer.Props{}
	f.prs.EXPECT().OpenPullRequest(gomock.Any(), gomock.Any()).Return(&github.PullRequest{Number: 8}, nil)

	if entries := f.run(t, submission); len(entries) != 1 {
		t.Fatalf("expected the submission to be acknowledged, got %d entries", len(entries))
	}
	stub, ok := f.remote.File(t, "add/CoolMod", "NetKAN/CoolMod.netkan")
	if !ok {
		t.Fatal("stub was not pushed")
	}
	docs, _ := documents(t, stub)
	want := []map[string]interface{}{{
		"spec_version": "v1.4",
		"identifier":   "CoolMod",
		"$kref":        "#/ckan/spacedock/42",
		"license":      "MIT",
		"x_via":        "Automated SpaceDock CKAN submission",
	}}
	if diff := cmp.Diff(want, docs); diff != "" {
		t.Errorf("stub mismatch (-want +got):\n%s", diff)
	}
}

func TestAddExistingStub(t *testing.T) {
	for _, path := range []string{"NetKAN/CoolMod.netkan", "NetKAN/CoolMod.frozen"} {
		t.Run(path, func(t *testing.T) {
			f := newFixture(t, map[string]string{path: "identifier: CoolMod\n"})

			if entries := f.run(t, submission); len(entries) != 1 {
				t.Errorf("an existing stub should just acknowledge, got %d entries", len(entries))
			}
			if len(f.analyzer.calls) != 0 {
				t.Error("nothing should be downloaded for an existing stub")
			}
			if diff := cmp.Diff([]string{"master"}, f.remote.Branches(t)); diff != "" {
				t.Errorf("branches mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAddPullRequestFailureKeepsMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.prs.EXPECT().OpenPullRequest(gomock.Any(), gomock.Any()).Return(nil, errors.New("boom")).Times(2)

	if entries := f.run(t, submission); len(entries) != 0 {
		t.Errorf("a failed submission must stay queued, got %d entries", len(entries))
	}
	// The retry finds the branch already holding the stub
	if entries := f.run(t, submission); len(entries) != 0 {
		t.Errorf("a failed submission must stay queued, got %d entries", len(entries))
	}
	if _, ok := f.remote.File(t, "add/CoolMod", "NetKAN/CoolMod.netkan"); !ok {
		t.Error("stub branch should have been pushed before the pull request")
	}
}

func TestAddDropsUnreadable(t *testing.T) {
	f := newFixture(t, nil)
	if entries := f.run(t, "not json", `{"name":"!!!","id":1}`); len(entries) != 2 {
		t.Errorf("unreadable submissions should be dropped, got %d entries", len(entries))
	}
}

func TestParseSubmission(t *testing.T) {
	s, err := ParseSubmission(`{"name":"Kerbal_Thing 2","id":"7","username":"carol"}`)
	if err != nil {
		t.Fatalf("ParseSubmission failed: %v", err)
	}
	if s.Identifier() != "KerbalThing2" || s.Branch() != "add/KerbalThing2" {
		t.Errorf("identifier %q, branch %q", s.Identifier(), s.Branch())
	}
	if s.SiteName != "SpaceDock" || !cmp.Equal(s.Authors, []string{"carol"}) {
		t.Errorf("unexpected defaults %+v", s)
	}
	if _, err := ParseSubmission(`{"id":"7"}`); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("expected ErrInvalidSubmission, got %v", err)
	}
}

func TestIdentifierDropsUnderscores(t *testing.T) {
	tests := map[string]string{
		"Kerbal_Thing":        "KerbalThing",
		"__Leading__Trailing_": "LeadingTrailing",
		"Snake_case v2.1":     "Snakecasev21",
		"Plain":               "Plain",
	}
	for name, want := range tests {
		s := &Submission{Name: name}
		if got := s.Identifier(); got != want {
			t.Errorf("Identifier(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestVersionEdit(t *testing.T) {
	tests := map[string]string{
		"v1.2":        "^v(?<version>.+)$",
		"release-1.0": "^release-(?<version>.+)$",
		"1.0":         "",
		"latest":      "",
	}
	for tag, want := range tests {
		if got := versionEdit(tag); got != want {
			t.Errorf("versionEdit(%q) = %q, want %q", tag, got, want)
		}
	}
}

func TestStubWithoutProps(t *testing.T) {
	s := &Submission{Name: "A", ID: "1", SiteName: "SpaceDock"}
	out, err := Stub(s, "", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Count(out, []byte("identifier:")) != 1 {
		t.Errorf("expected a single document:\n%s", out)
	}
}
