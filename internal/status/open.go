package status

import (
	"fmt"

	"github.com/charmbracelet/log"
)

// Open opens the backend named by kind at dsn
func Open(kind, dsn string, logger *log.Logger) (Store, error) {
	switch kind {
	case "", "sqlite":
		return OpenSQLite(dsn, logger)
	case "pebble":
		return OpenPebble(dsn)
	default:
		return nil, fmt.Errorf("unknown status backend %q", kind)
	}
}
