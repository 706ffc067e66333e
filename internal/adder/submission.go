package adder

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bnema/netkanctl/internal/analyzer"
	"github.com/bnema/netkanctl/internal/github"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")

	// CKAN identifiers allow no underscores, so they go with the rest of the punctuation
	nonWord   = regexp.MustCompile(`[\W_]+`)
	tagPrefix = regexp.MustCompile(`^\D+`)
)

const (
	githubSpecVersion    = "v1.18"
	spacedockSpecVersion = "v1.4"
)

// Submission is a mod announced by SpaceDock
type Submission struct {
	Name             string
	ID               string
	License          string
	Username         string
	Email            string
	ShortDescription string
	Description      string
	ExternalLink     string
	SourceLink       string
	SiteName         string
	Authors          []string
}

// ParseSubmission reads the JSON body of an add message
func ParseSubmission(body string) (*Submission, error) {
	if !gjson.Valid(body) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrInvalidSubmission)
	}
	get := func(key string) string {
		return strings.TrimSpace(gjson.Get(body, key).String())
	}
	s := &Submission{
		Name:             get("name"),
		ID:               get("id"),
		License:          get("license"),
		Username:         get("username"),
		Email:            get("email"),
		ShortDescription: get("short_description"),
		Description:      get("description"),
		ExternalLink:     get("external_link"),
		SourceLink:       get("source_link"),
		SiteName:         get("site_name"),
	}
	for _, a := range gjson.Get(body, "all_authors").Array() {
		if name := strings.TrimSpace(a.String()); name != "" {
			s.Authors = append(s.Authors, name)
		}
	}
	if s.Identifier() == "" || s.ID == "" {
		return nil, fmt.Errorf("%w: name and id are required", ErrInvalidSubmission)
	}
	if s.SiteName == "" {
		s.SiteName = "SpaceDock"
	}
	if len(s.Authors) == 0 && s.Username != "" {
		s.Authors = []string{s.Username}
	}
	return s, nil
}

// Identifier is the name without non-word characters or underscores
func (s *Submission) Identifier() string {
	return nonWord.ReplaceAllString(s.Name, "")
}

// Branch is where the new stub is committed
func (s *Submission) Branch() string {
	return "add/" + s.Identifier()
}

// DownloadURL is the SpaceDock download of the latest version
func (s *Submission) DownloadURL(base string) string {
	return fmt.Sprintf("%s/mod/%s/%s/download", strings.TrimSuffix(base, "/"), url.PathEscape(s.ID), url.PathEscape(s.Name))
}

// ModURL is the SpaceDock page of the mod
func (s *Submission) ModURL(base string) string {
	return fmt.Sprintf("%s/mod/%s", strings.TrimSuffix(base, "/"), url.PathEscape(s.ID))
}

// GitHubRepo returns the user/repo of the source link
func (s *Submission) GitHubRepo() (owner, repo string, ok bool) {
	return github.ExtractRepoInfo(s.SourceLink)
}

// mapping builds an ordered YAML mapping
type mapping struct {
	node yaml.Node
	err  error
}

func newMapping() *mapping {
	return &mapping{node: yaml.Node{Kind: yaml.MappingNode}}
}

func (m *mapping) set(key string, value interface{}) *mapping {
	var v yaml.Node
	switch val := value.(type) {
	case *mapping:
		v = val.node
		if val.err != nil {
			m.err = val.err
		}
	default:
		if err := v.Encode(val); err != nil {
			m.err = fmt.Errorf("failed to encode %s: %w", key, err)
		}
	}
	m.node.Content = append(m.node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &v)
	return m
}

// versionEdit strips a non-numeric tag prefix such as the v of v1.2
func versionEdit(tag string) string {
	prefix := tagPrefix.FindString(tag)
	if prefix == "" || prefix == tag {
		return ""
	}
	return "^" + regexp.QuoteMeta(prefix) + "(?<version>.+)$"
}

// githubDoc is the stub that inflates from the GitHub releases of the source link
func githubDoc(s *Submission, owner, repo string, rel *github.Release, props *analyzer.Props) *mapping {
	m := newMapping().
		set("spec_version", githubSpecVersion).
		set("identifier", s.Identifier()).
		set("$kref", fmt.Sprintf("#/ckan/github/%s/%s", owner, repo))
	if edit := versionEdit(rel.TagName); edit != "" {
		m.set("x_netkan_version_edit", edit)
	}
	if rel.Assets == 0 {
		m.set("x_netkan_github", newMapping().set("use_source_archive", true))
	}
	if props.Vref != "" {
		m.set("$vref", props.Vref)
	}
	return m
}

// spacedockDoc is the stub that inflates from SpaceDock
func spacedockDoc(s *Submission, props *analyzer.Props) *mapping {
	m := newMapping().
		set("spec_version", spacedockSpecVersion).
		set("identifier", s.Identifier()).
		set("$kref", "#/ckan/spacedock/"+s.ID)
	if s.License != "" {
		m.set("license", s.License)
	}
	if props.Vref != "" {
		m.set("$vref", props.Vref)
	}
	if len(props.Tags) > 0 {
		m.set("tags", props.Tags)
	}
	if len(props.Depends) > 0 {
		m.set("depends", props.Depends)
	}
	if len(props.Install) > 0 {
		m.set("install", props.Install)
	}
	if len(props.Filter) > 0 {
		m.set("filter", props.Filter)
	}
	if len(props.FilterRegexp) > 0 {
		m.set("filter_regexp", props.FilterRegexp)
	}
	m.set("x_via", fmt.Sprintf("Automated %s CKAN submission", s.SiteName))
	return m
}

// Stub renders the stub documents of s. The GitHub document comes first when rel is set.
func Stub(s *Submission, owner, repo string, rel *github.Release, props *analyzer.Props) ([]byte, error) {
	if props == nil {
		props = &analyzer.Props{}
	}
	var docs []*mapping
	if rel != nil {
		docs = append(docs, githubDoc(s, owner, repo, rel, props))
	}
	docs = append(docs, spacedockDoc(s, props))

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(4)
	for _, d := range docs {
		if d.err != nil {
			return nil, d.err
		}
		if err := enc.Encode(&d.node); err != nil {
			return nil, fmt.Errorf("failed to encode stub: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode stub: %w", err)
	}
	return buf.Bytes(), nil
}
