package github

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type call struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
}

func fakeGitHub(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*Client, *[]call) {
	t.Helper()
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token secret" {
			t.Errorf("missing token on %s %s", r.Method, r.URL.Path)
		}
		c := call{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &c.Body)
		}
		calls = append(calls, c)

		route, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		route(w)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret", "KSP-CKAN", srv.Client(), nil), &calls
}

func reply(code int, body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

func TestOpenPullRequest(t *testing.T) {
	c, calls := fakeGitHub(t, map[string]func(http.ResponseWriter){
		"GET /repos/KSP-CKAN/CKAN-meta":                reply(200, `{"default_branch":"master"}`),
		"POST /repos/KSP-CKAN/CKAN-meta/pulls":         reply(201, `{"number":7,"html_url":"https://github.com/KSP-CKAN/CKAN-meta/pull/7","title":"NetKAN inflated: Mod"}`),
		"POST /repos/KSP-CKAN/CKAN-meta/issues/7/labels": reply(200, `[]`),
	})

	pr, err := c.OpenPullRequest(context.Background(), NewPullRequest{
		Repo:   "KSP-CKAN/CKAN-meta",
		Title:  "NetKAN inflated: Mod",
		Body:   "needs review",
		Branch: "add/Mod-1.0",
		Labels: []string{"Needs looking into"},
	})
	if err != nil {
		t.Fatalf("OpenPullRequest failed: %v", err)
	}
	if pr.Number != 7 || pr.Commented {
		t.Errorf("unexpected pull request %+v", pr)
	}

	want := []call{
		{Method: "GET", Path: "/repos/KSP-CKAN/CKAN-meta"},
		{Method: "POST", Path: "/repos/KSP-CKAN/CKAN-meta/pulls", Body: map[string]interface{}{
			"title": "NetKAN inflated: Mod", "body": "needs review", "head": "add/Mod-1.0", "base": "master",
		}},
		{Method: "POST", Path: "/repos/KSP-CKAN/CKAN-meta/issues/7/labels", Body: map[string]interface{}{
			"labels": []interface{}{"Needs looking into"},
		}},
	}
	if diff := cmp.Diff(want, *calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenPullRequestFallsBackToComment(t *testing.T) {
	c, calls := fakeGitHub(t, map[string]func(http.ResponseWriter){
		"GET /repos/KSP-CKAN/NetKAN":                   reply(200, `{"default_branch":"main"}`),
		"POST /repos/KSP-CKAN/NetKAN/pulls":            reply(422, `{"message":"A pull request already exists"}`),
		"GET /repos/KSP-CKAN/NetKAN/pulls":             reply(200, `[{"number":3,"html_url":"u","title":"Freeze idle mods"}]`),
		"POST /repos/KSP-CKAN/NetKAN/issues/3/comments": reply(201, `{}`),
	})

	pr, err := c.OpenPullRequest(context.Background(), NewPullRequest{
		Repo: "KSP-CKAN/NetKAN", Title: "Freeze idle mods", Body: "table", Branch: "freeze/auto",
	})
	if err != nil {
		t.Fatalf("OpenPullRequest failed: %v", err)
	}
	if pr.Number != 3 || !pr.Commented {
		t.Errorf("expected comment on #3, got %+v", pr)
	}

	list := (*calls)[2]
	if list.Query != "head=KSP-CKAN%3Afreeze%2Fauto&state=open" {
		t.Errorf("unexpected list query %q", list.Query)
	}
	comment := (*calls)[3]
	if comment.Body["body"] != "table" {
		t.Errorf("comment should carry the pull request body, got %v", comment.Body)
	}
}

func TestOpenPullRequestNoExisting(t *testing.T) {
	c, _ := fakeGitHub(t, map[string]func(http.ResponseWriter){
		"GET /repos/o/r":        reply(200, `{"default_branch":"main"}`),
		"POST /repos/o/r/pulls": reply(422, `{"message":"No commits between main and add/x"}`),
		"GET /repos/o/r/pulls":  reply(200, `[]`),
	})
	_, err := c.OpenPullRequest(context.Background(), NewPullRequest{Repo: "o/r", Branch: "add/x"})
	if !errors.Is(err, ErrNoPullRequest) {
		t.Fatalf("expected ErrNoPullRequest, got %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	c, _ := fakeGitHub(t, map[string]func(http.ResponseWriter){
		"GET /rate_limit": reply(200, `{"resources":{"core":{"limit":5000,"remaining":1234}}}`),
	})
	n, err := c.RateLimit(context.Background())
	if err != nil || n != 1234 {
		t.Fatalf("RateLimit = %d, %v", n, err)
	}
}

func TestLatestRelease(t *testing.T) {
	c, _ := fakeGitHub(t, map[string]func(http.ResponseWriter){
		"GET /repos/alice/mod/releases/latest": reply(200, `{"tag_name":"v1.2","assets":[{"name":"mod.zip"}]}`),
	})
	rel, err := c.LatestRelease(context.Background(), "alice", "mod")
	if err != nil {
		t.Fatalf("LatestRelease failed: %v", err)
	}
	if diff := cmp.Diff(&Release{TagName: "v1.2", Assets: 1}, rel); diff != "" {
		t.Errorf("release mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.LatestRelease(context.Background(), "alice", "none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExtractRepoInfo(t *testing.T) {
	tests := []struct {
		url, owner, repo string
		ok               bool
	}{
		{"https://github.com/alice/mod", "alice", "mod", true},
		{"https://github.com/alice/mod.git", "alice", "mod", true},
		{"https://www.github.com/alice/mod/releases", "alice", "mod", true},
		{"https://github.com/alice", "", "", false},
		{"https://gitlab.com/alice/mod", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		owner, repo, ok := ExtractRepoInfo(tt.url)
		if owner != tt.owner || repo != tt.repo || ok != tt.ok {
			t.Errorf("ExtractRepoInfo(%q) = %q %q %v", tt.url, owner, repo, ok)
		}
	}
}
