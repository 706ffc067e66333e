// Package status stores the per-mod health record shared by every worker.
package status

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

var ErrNotFound = errors.New("status not found")

// ModStatus is the record kept for one mod of one game
type ModStatus struct {
	ModIdentifier  string     `gorm:"primaryKey" json:"ModIdentifier"`
	GameID         string     `gorm:"primaryKey" json:"game_id"`
	Success        bool       `json:"success"`
	Frozen         bool       `json:"frozen"`
	LastError      string     `json:"last_error,omitempty"`
	LastWarnings   string     `json:"last_warnings,omitempty"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
	LastInflated   *time.Time `json:"last_inflated,omitempty"`
	LastIndexed    *time.Time `json:"last_indexed,omitempty"`
	LastDownloaded *time.Time `json:"last_downloaded,omitempty"`
	ReleaseDate    *time.Time `json:"release_date,omitempty"`
	Resources      Resources  `gorm:"type:text" json:"resources,omitempty"`
}

func (ModStatus) TableName() string {
	return "mod_status"
}

// LastUpdate is the release date when known, otherwise when the mod was last indexed
func (s *ModStatus) LastUpdate() *time.Time {
	if s.ReleaseDate != nil {
		return s.ReleaseDate
	}
	return s.LastIndexed
}

// Resources is stored as a JSON object
type Resources map[string]string

func (r Resources) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r *Resources) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Resources", src)
	}
	if len(data) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(data, r)
}

// Attrs is a partial update; nil fields are left untouched
type Attrs struct {
	Success        *bool
	Frozen         *bool
	LastError      *string
	LastWarnings   *string
	LastChecked    *time.Time
	LastInflated   *time.Time
	LastIndexed    *time.Time
	LastDownloaded *time.Time
	ReleaseDate    *time.Time
	Resources      Resources
}

// Apply copies the set fields of a onto s
func (a Attrs) Apply(s *ModStatus) {
	if a.Success != nil {
		s.Success = *a.Success
	}
	if a.Frozen != nil {
		s.Frozen = *a.Frozen
	}
	if a.LastError != nil {
		s.LastError = *a.LastError
	}
	if a.LastWarnings != nil {
		s.LastWarnings = *a.LastWarnings
	}
	if a.LastChecked != nil {
		s.LastChecked = utc(a.LastChecked)
	}
	if a.LastInflated != nil {
		s.LastInflated = utc(a.LastInflated)
	}
	if a.LastIndexed != nil {
		s.LastIndexed = utc(a.LastIndexed)
	}
	if a.LastDownloaded != nil {
		s.LastDownloaded = utc(a.LastDownloaded)
	}
	if a.ReleaseDate != nil {
		s.ReleaseDate = utc(a.ReleaseDate)
	}
	if a.Resources != nil {
		s.Resources = a.Resources
	}
}

// columns lists the column names of the set fields
func (a Attrs) columns() []string {
	var cols []string
	add := func(set bool, col string) {
		if set {
			cols = append(cols, col)
		}
	}
	add(a.Success != nil, "success")
	add(a.Frozen != nil, "frozen")
	add(a.LastError != nil, "last_error")
	add(a.LastWarnings != nil, "last_warnings")
	add(a.LastChecked != nil, "last_checked")
	add(a.LastInflated != nil, "last_inflated")
	add(a.LastIndexed != nil, "last_indexed")
	add(a.LastDownloaded != nil, "last_downloaded")
	add(a.ReleaseDate != nil, "release_date")
	add(a.Resources != nil, "resources")
	return cols
}

func utc(t *time.Time) *time.Time {
	u := t.UTC()
	return &u
}

// Bool, String and Time build Attrs fields
func Bool(b bool) *bool       { return &b }
func String(s string) *string { return &s }
func Time(t time.Time) *time.Time {
	return &t
}

// Store is a status backend
type Store interface {
	// Get returns ErrNotFound when no record exists
	Get(ctx context.Context, game, identifier string) (*ModStatus, error)
	// Upsert creates the record or updates only the attributes set in attrs
	Upsert(ctx context.Context, game, identifier string, attrs Attrs) error
	// Scan visits every record of game in identifier order at a throttled pace
	Scan(ctx context.Context, game string, fn func(*ModStatus) error) error
	Close() error
}

const (
	// scanPage rows are read per limiter token
	scanPage = 16
	// scanRate tokens per second
	scanRate = 5
)

func newScanLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(scanRate), scanRate)
}
