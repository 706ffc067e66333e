// Package netkan reads stub descriptors and the stub repository layout.
package netkan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNoIdentifier = errors.New("stub has no identifier")

const (
	// Dir is the directory of the stub repository holding the stubs
	Dir       = "NetKAN"
	ActiveExt = ".netkan"
	FrozenExt = ".frozen"
)

// Kref sources
const (
	SourceGitHub    = "github"
	SourceSpaceDock = "spacedock"
	SourceHTTP      = "http"
	SourceCurse     = "curse"
)

// Netkan is a parsed stub. Only the fields used for routing are decoded; Raw keeps the text.
type Netkan struct {
	Identifier string `yaml:"identifier"`
	Kref       string `yaml:"$kref"`
	Vref       string `yaml:"$vref"`
	Path       string `yaml:"-"`

	raw []byte
}

// Parse decodes the first document of a stub. JSON stubs parse as YAML.
func Parse(data []byte) (*Netkan, error) {
	var n Netkan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&n); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse stub: %w", err)
	}
	if n.Identifier == "" {
		return nil, ErrNoIdentifier
	}
	n.raw = data
	return &n, nil
}

// Load reads a stub from disk
func Load(path string) (*Netkan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stub: %w", err)
	}
	n, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	n.Path = path
	return n, nil
}

// Raw returns the stub text
func (n *Netkan) Raw() []byte {
	return n.raw
}

// KrefSource returns the source of $kref, e.g. github for #/ckan/github/user/repo
func (n *Netkan) KrefSource() string {
	source, _ := splitKref(n.Kref)
	return source
}

// KrefID returns the source specific part of $kref
func (n *Netkan) KrefID() string {
	_, id := splitKref(n.Kref)
	return id
}

func (n *Netkan) HasVref() bool {
	return n.Vref != ""
}

// HookOnly reports a stub that only changes when SpaceDock notifies us about it
func (n *Netkan) HookOnly() bool {
	return !n.HasVref() && n.KrefSource() == SourceSpaceDock
}

func splitKref(kref string) (string, string) {
	s := strings.TrimPrefix(kref, "#/ckan/")
	if s == kref {
		return "", ""
	}
	source, id, _ := strings.Cut(s, "/")
	return source, id
}

// ActivePath is the repository relative path of an active stub
func ActivePath(identifier string) string {
	return filepath.Join(Dir, identifier+ActiveExt)
}

// FrozenPath is the repository relative path of a frozen stub
func FrozenPath(identifier string) string {
	return filepath.Join(Dir, identifier+FrozenExt)
}

// SplitPath returns the identifier and extension of a stub path, ok is false for other files
func SplitPath(path string) (identifier, ext string, ok bool) {
	if filepath.Base(filepath.Dir(path)) != Dir {
		return "", "", false
	}
	base := filepath.Base(path)
	ext = filepath.Ext(base)
	if ext != ActiveExt && ext != FrozenExt {
		return "", "", false
	}
	return strings.TrimSuffix(base, ext), ext, true
}

// StubRepo reads a stub working tree
type StubRepo struct {
	root string
}

func NewStubRepo(root string) *StubRepo {
	return &StubRepo{root: root}
}

// Abs resolves a repository relative path
func (s *StubRepo) Abs(rel string) string {
	return filepath.Join(s.root, rel)
}

// Exists reports an active stub for identifier
func (s *StubRepo) Exists(identifier string) bool {
	_, err := os.Stat(s.Abs(ActivePath(identifier)))
	return err == nil
}

// FrozenExists reports a frozen stub for identifier
func (s *StubRepo) FrozenExists(identifier string) bool {
	_, err := os.Stat(s.Abs(FrozenPath(identifier)))
	return err == nil
}

// Get loads the active stub of identifier
func (s *StubRepo) Get(identifier string) (*Netkan, error) {
	return Load(s.Abs(ActivePath(identifier)))
}

// Identifiers returns the identifiers of all active stubs sorted case-insensitively
func (s *StubRepo) Identifiers() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.root, Dir, "*"+ActiveExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list stubs: %w", err)
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		ids = append(ids, strings.TrimSuffix(filepath.Base(p), ActiveExt))
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := strings.ToLower(ids[i]), strings.ToLower(ids[j])
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// Netkans loads every active stub in Identifiers order. A stub that cannot be
// loaded is passed to skipped, when not nil, and left out.
func (s *StubRepo) Netkans(skipped func(identifier string, err error)) ([]*Netkan, error) {
	ids, err := s.Identifiers()
	if err != nil {
		return nil, err
	}
	out := make([]*Netkan, 0, len(ids))
	for _, id := range ids {
		n, err := s.Get(id)
		if err != nil {
			if skipped != nil {
				skipped(id, err)
			}
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
