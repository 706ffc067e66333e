package ckan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MetaRepo reads the descriptors of a metadata working tree laid out as <identifier>/<file>.ckan
type MetaRepo struct {
	root string
}

func NewMetaRepo(root string) *MetaRepo {
	return &MetaRepo{root: root}
}

// Root returns the working tree root
func (m *MetaRepo) Root() string {
	return m.root
}

// ModDir is the directory holding the descriptors of identifier
func (m *MetaRepo) ModDir(identifier string) string {
	return filepath.Join(m.root, identifier)
}

// ModFile is where a descriptor named fileName for identifier lives.
// Only the base name of fileName is used.
func (m *MetaRepo) ModFile(identifier, fileName string) string {
	return filepath.Join(m.ModDir(identifier), filepath.Base(fileName))
}

// Ckans loads every descriptor of identifier sorted by file name
func (m *MetaRepo) Ckans(identifier string) ([]*Ckan, error) {
	paths, err := filepath.Glob(filepath.Join(m.ModDir(identifier), "*"+Ext))
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	sort.Strings(paths)

	out := make([]*Ckan, 0, len(paths))
	for _, p := range paths {
		c, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Identifiers lists every identifier that has a directory in the tree
func (m *MetaRepo) Identifiers() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// HighestVersion is the highest stable release of identifier, ok is false when none exists
func (m *MetaRepo) HighestVersion(identifier string) (string, bool) {
	return m.highest(identifier, false)
}

// HighestPrerelease is the highest testing or development release of identifier
func (m *MetaRepo) HighestPrerelease(identifier string) (string, bool) {
	return m.highest(identifier, true)
}

func (m *MetaRepo) highest(identifier string, prerelease bool) (string, bool) {
	ckans, err := m.Ckans(identifier)
	if err != nil {
		return "", false
	}
	var best *Ckan
	for _, c := range ckans {
		if c.Prerelease() != prerelease {
			continue
		}
		if best == nil || best.Version().Less(c.Version()) {
			best = c
		}
	}
	if best == nil {
		return "", false
	}
	return best.VersionString(), true
}
