// Package version implements the ordering used for mod release versions.
//
// A version is an optional numeric epoch ("2:") followed by dot separated
// segments. Each segment is split into digit and non-digit runs; digit runs
// compare numerically, everything else compares lexicographically. Trailing
// zero components carry no weight, so 1.1, 1.01 and 1.1.0.0 are equal.
package version

import (
	"strconv"
	"strings"
)

// Kind tells a numeric component from an alphabetic one
type Kind int

const (
	Numeric Kind = iota
	Alpha
)

// Component is one digit or non-digit run of a version string
type Component struct {
	Kind Kind
	// Value holds the run; numeric values are stored without leading zeros
	Value string
}

// ModVersion is a parsed version string
type ModVersion struct {
	raw        string
	Epoch      uint32
	Components []Component
}

// Parse parses a version string. It never fails: any text is a valid version.
func Parse(s string) ModVersion {
	v := ModVersion{raw: s}
	rest := s
	if i := strings.IndexByte(s, ':'); i > 0 && allDigits(s[:i]) {
		if epoch, err := strconv.ParseUint(s[:i], 10, 32); err == nil {
			v.Epoch = uint32(epoch)
			rest = s[i+1:]
		}
	}

	for _, segment := range strings.Split(rest, ".") {
		v.Components = append(v.Components, splitRuns(segment)...)
	}

	// Trailing zeros are insignificant
	for len(v.Components) > 0 {
		last := v.Components[len(v.Components)-1]
		if last.Kind != Numeric || last.Value != "0" {
			break
		}
		v.Components = v.Components[:len(v.Components)-1]
	}
	return v
}

// String returns the original text
func (v ModVersion) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1 as v is less than, equal to or greater than o
func (v ModVersion) Compare(o ModVersion) int {
	if v.Epoch != o.Epoch {
		if v.Epoch < o.Epoch {
			return -1
		}
		return 1
	}

	n := len(v.Components)
	if len(o.Components) > n {
		n = len(o.Components)
	}
	for i := 0; i < n; i++ {
		if c := compareComponent(at(v.Components, i), at(o.Components, i)); c != 0 {
			return c
		}
	}
	return 0
}

// Less reports whether v sorts before o
func (v ModVersion) Less(o ModVersion) bool {
	return v.Compare(o) < 0
}

// Equal reports whether v and o have the same ordering weight
func (v ModVersion) Equal(o ModVersion) bool {
	return v.Compare(o) == 0
}

// Compare parses and compares two version strings
func Compare(a, b string) int {
	return Parse(a).Compare(Parse(b))
}

// missing stands in for components past the end of the shorter version
var missing = Component{Kind: Numeric, Value: "0"}

func at(cs []Component, i int) *Component {
	if i < len(cs) {
		return &cs[i]
	}
	return nil
}

func compareComponent(a, b *Component) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if b.Kind == Alpha {
			return -1
		}
		a = &missing
	case b == nil:
		if a.Kind == Alpha {
			return 1
		}
		b = &missing
	}

	if a.Kind != b.Kind {
		// Alphabetic runs sort below numbers: 1.0.repackaged < 1.0.1
		if a.Kind == Alpha {
			return -1
		}
		return 1
	}

	if a.Kind == Numeric {
		if len(a.Value) != len(b.Value) {
			if len(a.Value) < len(b.Value) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a.Value, b.Value)
}

func splitRuns(segment string) []Component {
	var out []Component
	start := 0
	for start < len(segment) {
		digit := isDigit(segment[start])
		end := start + 1
		for end < len(segment) && isDigit(segment[end]) == digit {
			end++
		}
		run := segment[start:end]
		if digit {
			out = append(out, Component{Kind: Numeric, Value: trimZeros(run)})
		} else {
			out = append(out, Component{Kind: Alpha, Value: run})
		}
		start = end
	}
	return out
}

func trimZeros(s string) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return s != ""
}
