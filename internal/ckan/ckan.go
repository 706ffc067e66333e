// Package ckan reads package descriptors.
//
// A descriptor is kept as the exact bytes it arrived with; accessors read fields
// with gjson so nothing ever re-serialises the document.
package ckan

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bnema/netkanctl/internal/version"
	"github.com/tidwall/gjson"
)

var ErrInvalid = errors.New("invalid package descriptor")

// Ext is the file extension of package descriptors
const Ext = ".ckan"

// Known values of kind and release_status
const (
	KindPackage     = "package"
	KindMetapackage = "metapackage"
	StatusStable    = "stable"
	StatusTesting   = "testing"
	StatusDev       = "development"
)

// ContentTypes maps mirrorable download content types to a file extension
var ContentTypes = map[string]string{
	"application/zip":              "zip",
	"application/x-gzip":           "gz",
	"application/x-tar":            "tar",
	"application/x-compressed-tar": "tar.gz",
}

// Ckan is one package descriptor
type Ckan struct {
	raw  []byte
	Path string
}

// Parse wraps data after checking it is a JSON object
func Parse(data []byte) (*Ckan, error) {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, ErrInvalid
	}
	return &Ckan{raw: data}, nil
}

// Load reads a descriptor from disk
func Load(path string) (*Ckan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// Raw returns the document bytes unchanged
func (c *Ckan) Raw() []byte {
	return c.raw
}

func (c *Ckan) get(path string) gjson.Result {
	return gjson.GetBytes(c.raw, path)
}

func (c *Ckan) Identifier() string {
	return c.get("identifier").String()
}

func (c *Ckan) Name() string {
	return c.get("name").String()
}

func (c *Ckan) Abstract() string {
	return c.get("abstract").String()
}

// VersionString is the raw version field
func (c *Ckan) VersionString() string {
	return c.get("version").String()
}

func (c *Ckan) Version() version.ModVersion {
	return version.Parse(c.VersionString())
}

// Kind defaults to package
func (c *Ckan) Kind() string {
	if k := c.get("kind").String(); k != "" {
		return k
	}
	return KindPackage
}

// ReleaseStatus defaults to stable
func (c *Ckan) ReleaseStatus() string {
	if s := c.get("release_status").String(); s != "" {
		return s
	}
	return StatusStable
}

// Prerelease reports a testing or development release
func (c *Ckan) Prerelease() bool {
	s := c.ReleaseStatus()
	return s == StatusTesting || s == StatusDev
}

// Download returns the first download url
func (c *Ckan) Download() string {
	d := c.get("download")
	if d.IsArray() {
		return d.Get("0").String()
	}
	return d.String()
}

// Downloads returns every download url
func (c *Ckan) Downloads() []string {
	return stringsOf(c.get("download"))
}

// DownloadHash returns download_hash.<algo> uppercased
func (c *Ckan) DownloadHash(algo string) string {
	return strings.ToUpper(c.get("download_hash." + algo).String())
}

func (c *Ckan) DownloadContentType() string {
	return c.get("download_content_type").String()
}

// Licenses reads license as a string or a list
func (c *Ckan) Licenses() []string {
	return stringsOf(c.get("license"))
}

// Authors reads author as a string or a list
func (c *Ckan) Authors() []string {
	return stringsOf(c.get("author"))
}

// Resources returns the string valued entries of resources
func (c *Ckan) Resources() map[string]string {
	out := make(map[string]string)
	c.get("resources").ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			out[key.String()] = value.String()
		}
		return true
	})
	return out
}

// ReleaseDate parses release_date, nil when absent or malformed
func (c *Ckan) ReleaseDate() *time.Time {
	s := c.get("release_date").String()
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// MirrorExt is the file extension used for the archived artifact
func (c *Ckan) MirrorExt() (string, bool) {
	ext, ok := ContentTypes[c.DownloadContentType()]
	return ext, ok
}

func (c *Ckan) formatVersion() string {
	return strings.ReplaceAll(c.VersionString(), ":", "-")
}

// MirrorItem is the archive.org item id for this release
func (c *Ckan) MirrorItem() string {
	return c.Identifier() + "-" + c.formatVersion()
}

// MirrorFilename is the file name of the artifact inside its item
func (c *Ckan) MirrorFilename() string {
	prefix := c.DownloadHash("sha1")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	ext, _ := c.MirrorExt()
	return fmt.Sprintf("%s-%s-%s.%s", prefix, c.Identifier(), c.formatVersion(), ext)
}

// CachePrefix is the prefix of this descriptor's download in the download cache
func (c *Ckan) CachePrefix() string {
	return CachePrefix(c.Download())
}

// CachePrefix is the first eight uppercase hex digits of sha1(url)
func CachePrefix(url string) string {
	sum := sha1.Sum([]byte(url))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:8]
}

func stringsOf(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}
	if r.IsArray() {
		var out []string
		for _, v := range r.Array() {
			if s := v.String(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := r.String(); s != "" {
		return []string{s}
	}
	return nil
}
