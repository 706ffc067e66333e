package indexer

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/netkanctl/internal/ckan"
	"github.com/bnema/netkanctl/internal/queue"
	"github.com/charmbracelet/log"
)

// Attributes of an inflation result
const (
	AttrModIdentifier   = "ModIdentifier"
	AttrCheckTime       = "CheckTime"
	AttrFileName        = "FileName"
	AttrStaged          = "Staged"
	AttrSuccess         = "Success"
	AttrErrorMessage    = "ErrorMessage"
	AttrWarningMessages = "WarningMessages"
	AttrStagingReason   = "StagingReason"
)

// Result is one inflation result read from the queue
type Result struct {
	Message queue.Message

	GameID          string
	Identifier      string
	CheckTime       *time.Time
	FileName        string
	Success         bool
	Staged          bool
	ErrorMessage    *string
	WarningMessages *string
	StagingReason   *string

	// Ckan is the parsed body, nil for failed inflations
	Ckan *ckan.Ckan

	indexed bool
}

// ParseResult reads the attributes of msg. Unknown attributes are logged and ignored.
func ParseResult(msg queue.Message, logger *log.Logger) (*Result, error) {
	r := &Result{Message: msg}
	for name, value := range msg.Attributes {
		switch name {
		case queue.AttrGameID:
			r.GameID = strings.ToLower(value)
		case AttrModIdentifier:
			r.Identifier = value
		case AttrCheckTime:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", name, value, err)
			}
			t = t.UTC()
			r.CheckTime = &t
		case AttrFileName:
			r.FileName = path.Base(strings.ReplaceAll(value, "\\", "/"))
		case AttrSuccess:
			r.Success = parseBool(value)
		case AttrStaged:
			r.Staged = parseBool(value)
		case AttrErrorMessage:
			r.ErrorMessage = &value
		case AttrWarningMessages:
			r.WarningMessages = &value
		case AttrStagingReason:
			r.StagingReason = &value
		default:
			logger.Warn("Ignoring unknown message attribute", "name", name, "id", msg.ID)
		}
	}

	if r.Success {
		c, err := ckan.Parse([]byte(msg.Body))
		if err != nil {
			return nil, err
		}
		r.Ckan = c
		if r.Identifier == "" {
			r.Identifier = c.Identifier()
		}
		if r.FileName == "" || r.FileName == "." || r.FileName == "/" {
			return nil, fmt.Errorf("result for %s has no %s", r.Identifier, AttrFileName)
		}
	}
	if r.Identifier == "" {
		return nil, fmt.Errorf("result has no %s", AttrModIdentifier)
	}
	return r, nil
}

// Stem is the file name without extension, e.g. Mod-1.0
func (r *Result) Stem() string {
	return strings.TrimSuffix(r.FileName, ckan.Ext)
}

// StagingBranch is the branch staged results are committed to
func (r *Result) StagingBranch() string {
	return "add/" + r.Stem()
}

// Indexed reports whether processing committed the descriptor
func (r *Result) Indexed() bool {
	return r.indexed
}

// parseBool accepts the spellings the inflator uses, e.g. True and false
func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.ToLower(s))
	return err == nil && b
}
