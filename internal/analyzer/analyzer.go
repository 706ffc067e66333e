// Package analyzer guesses install instructions and metadata from a mod's zip.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/imroc/req"
	"github.com/klauspost/compress/zip"
)

var ErrNotZip = errors.New("artifact is not a zip")

// AVCVref points a stub at the KSP-AVC version file of its download
const AVCVref = "#/ckan/ksp-avc"

// maxConfigSize bounds how much of each .cfg file is scanned
const maxConfigSize = 1 << 20

// Depend is a relationship on another mod
type Depend struct {
	Name string `yaml:"name"`
}

// Install is an install stanza
type Install struct {
	Find      string `yaml:"find"`
	InstallTo string `yaml:"install_to"`
}

// Props are the stub properties inferred from an artifact
type Props struct {
	Vref         string
	Tags         []string
	Depends      []Depend
	Install      []Install
	Filter       []string
	FilterRegexp []string
}

// Empty reports whether nothing was inferred
func (p *Props) Empty() bool {
	return p.Vref == "" && len(p.Tags) == 0 && len(p.Depends) == 0 &&
		len(p.Install) == 0 && len(p.Filter) == 0 && len(p.FilterRegexp) == 0
}

type rule struct {
	name    *regexp.Regexp
	content *regexp.Regexp
	tags    []string
	depends []string
}

var cfgFile = regexp.MustCompile(`(?i)\.cfg$`)

func contentRule(content string, depends []string, tags ...string) rule {
	return rule{name: cfgFile, content: regexp.MustCompile(content), tags: tags, depends: depends}
}

var rules = []rule{
	{name: regexp.MustCompile(`(?i)\.dll$`), tags: []string{"plugin"}},
	{name: regexp.MustCompile(`(?i)(^|/)Parts/`), tags: []string{"parts"}},
	{name: regexp.MustCompile(`(?i)\.craft$`), tags: []string{"crafts"}},
	{name: regexp.MustCompile(`(?i)(^|/)Flags/[^/]+\.(png|dds)$`), tags: []string{"flags"}},
	{name: regexp.MustCompile(`(?i)(^|/)Agencies/`), tags: []string{"agency"}},
	{name: regexp.MustCompile(`(?i)\.(wav|ogg)$`), tags: []string{"sound"}},
	contentRule(`(?m)(^\s*[@+$!%-]\w+\s*(\[|:|$)|:(NEEDS|FOR|BEFORE|AFTER|FIRST|LAST|FINAL)\b)`,
		[]string{"ModuleManager"}, "config"),
	contentRule(`(?m)^\s*@?Kopernicus\b`, []string{"Kopernicus"}, "planet-pack"),
	contentRule(`(?m)^\s*@?(EVE_CLOUDS|EVE_CITY_LIGHTS|EVE_SHADOWS)\b`,
		[]string{"EnvironmentalVisualEnhancements"}, "graphics"),
	contentRule(`(?m)^\s*@?CONTRACT_TYPE\b`, []string{"ContractConfigurator"}, "career"),
	contentRule(`(?m)^\s*name\s*=\s*ModuleB9PartSwitch\b`, []string{"B9PartSwitch"}),
	contentRule(`(?m)^\s*name\s*=\s*ModuleWaterfallFX\b`, []string{"Waterfall"}, "graphics"),
	contentRule(`(?m)^\s*@?TUFX_PROFILE\b`, []string{"TUFX"}, "graphics"),
	contentRule(`(?m)^\s*@?KERBALCHANGELOG\b`, []string{"KerbalChangelog"}),
	contentRule(`(?m)^\s*@?RESOURCE_DEFINITION\b`, nil, "resources"),
}

var (
	vrefFile = regexp.MustCompile(`(?i)\.version$`)

	// junk is dropped by name wherever it appears
	junk = []string{"Thumbs.db", ".DS_Store"}

	// debugSymbols are dropped by pattern
	debugSymbols = []*regexp.Regexp{
		regexp.MustCompile(`\.mdb$`),
		regexp.MustCompile(`\.pdb$`),
	}
)

// Analyzer downloads and inspects artifacts
type Analyzer struct {
	http *req.Req
	log  *log.Logger
}

func New(hc *http.Client, logger *log.Logger) *Analyzer {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Minute}
	}
	dl := req.New()
	dl.SetClient(hc)
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Analyzer{http: dl, log: logger}
}

// Analyze downloads url and inspects it. A download that is not a zip yields empty props.
func (a *Analyzer) Analyze(ctx context.Context, url, identifier, installRoot string) (*Props, error) {
	tmp, err := os.CreateTemp("", "netkan-analyze-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(name) }()

	resp, err := a.http.Get(url, req.Header{"User-Agent": "netkanctl/1.0"}, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	if code := resp.Response().StatusCode; code != http.StatusOK {
		_ = resp.Response().Body.Close()
		return nil, fmt.Errorf("download of %s returned status %d", url, code)
	}
	if err := resp.ToFile(name); err != nil {
		return nil, fmt.Errorf("failed to save download: %w", err)
	}

	props, err := Inspect(name, identifier, installRoot)
	if errors.Is(err, ErrNotZip) {
		a.log.Warn("Download is not a zip, leaving stub for manual review", "url", url)
		return &Props{}, nil
	}
	return props, err
}

// Inspect infers the props of the zip at file
func Inspect(file, identifier, installRoot string) (*Props, error) {
	zr, err := zip.OpenReader(file)
	if errors.Is(err, zip.ErrFormat) {
		return nil, ErrNotZip
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	props := &Props{}
	tags := map[string]bool{}
	depends := map[string]bool{}
	filters := map[string]bool{}
	filterRegexps := map[string]bool{}
	var names []string

	for _, f := range zr.File {
		name := strings.TrimPrefix(strings.ReplaceAll(f.Name, `\`, "/"), "/")
		if name == "" {
			continue
		}
		names = append(names, name)
		if f.FileInfo().IsDir() {
			continue
		}
		base := path.Base(name)
		if isJunk(base) {
			filters[base] = true
			continue
		}
		if re := debugSymbol(name); re != nil {
			filterRegexps[re.String()] = true
			continue
		}
		if vrefFile.MatchString(name) {
			props.Vref = AVCVref
		}

		var content []byte
		for _, r := range rules {
			if !r.name.MatchString(name) {
				continue
			}
			if r.content != nil {
				if content == nil {
					if content, err = readEntry(f); err != nil {
						return nil, err
					}
				}
				if !r.content.Match(content) {
					continue
				}
			}
			for _, t := range r.tags {
				tags[t] = true
			}
			for _, d := range r.depends {
				depends[d] = true
			}
		}
	}

	props.Tags = sortedKeys(tags)
	for _, d := range sortedKeys(depends) {
		props.Depends = append(props.Depends, Depend{Name: d})
	}
	props.Filter = sortedKeys(filters)
	props.FilterRegexp = sortedKeys(filterRegexps)
	if find := Folder(names, identifier, installRoot); find != "" {
		props.Install = []Install{{Find: find, InstallTo: installRoot}}
	}
	return props, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, maxConfigSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	return data, nil
}

func isJunk(base string) bool {
	for _, j := range junk {
		if strings.EqualFold(base, j) {
			return true
		}
	}
	return false
}

func debugSymbol(name string) *regexp.Regexp {
	for _, re := range debugSymbols {
		if re.MatchString(name) {
			return re
		}
	}
	return nil
}

// Folder picks the folder to install from the entry names of a zip.
// It prefers the only folder directly under installRoot, then a folder named identifier,
// then the only top-level folder. Empty means no guess.
func Folder(names []string, identifier, installRoot string) string {
	var dirs [][]string
	for _, n := range names {
		parts := strings.Split(strings.Trim(n, "/"), "/")
		if !strings.HasSuffix(n, "/") {
			parts = parts[:len(parts)-1]
		}
		if len(parts) > 0 {
			dirs = append(dirs, parts)
		}
	}

	underRoot := map[string]bool{}
	for _, parts := range dirs {
		for i := 0; i+1 < len(parts); i++ {
			if strings.EqualFold(parts[i], installRoot) {
				underRoot[parts[i+1]] = true
				break
			}
		}
	}
	if len(underRoot) == 1 {
		return sortedKeys(underRoot)[0]
	}

	for _, parts := range dirs {
		for _, p := range parts {
			if p == identifier {
				return identifier
			}
		}
	}

	top := map[string]bool{}
	for _, parts := range dirs {
		top[parts[0]] = true
	}
	if len(top) == 1 {
		if only := sortedKeys(top)[0]; !strings.EqualFold(only, installRoot) {
			return only
		}
	}
	return ""
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
