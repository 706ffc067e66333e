package status

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLStore keeps status records in a SQLite table shared by every worker on the host
type SQLStore struct {
	db      *gorm.DB
	limiter *rate.Limiter
}

// OpenSQLite opens or creates the database at path
func OpenSQLite(path string, logger *log.Logger) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}

	level := gormlogger.Silent
	var writer gormlogger.Writer = discard{}
	if logger != nil {
		level = gormlogger.Warn
		writer = printer{logger}
	}
	db, err := gorm.Open(gormlite.Open("file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)"), &gorm.Config{
		Logger: gormlogger.New(writer, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open status database: %w", err)
	}
	if err := db.AutoMigrate(&ModStatus{}); err != nil {
		return nil, fmt.Errorf("failed to migrate status table: %w", err)
	}
	return &SQLStore{db: db, limiter: newScanLimiter()}, nil
}

func (s *SQLStore) Get(ctx context.Context, game, identifier string) (*ModStatus, error) {
	var st ModStatus
	err := s.db.WithContext(ctx).
		Where("mod_identifier = ? AND game_id = ?", identifier, game).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return &st, nil
}

func (s *SQLStore) Upsert(ctx context.Context, game, identifier string, attrs Attrs) error {
	row := ModStatus{ModIdentifier: identifier, GameID: game}
	attrs.Apply(&row)

	conflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "mod_identifier"}, {Name: "game_id"}},
	}
	if cols := attrs.columns(); len(cols) > 0 {
		conflict.DoUpdates = clause.AssignmentColumns(cols)
	} else {
		conflict.DoNothing = true
	}

	if err := s.db.WithContext(ctx).Clauses(conflict).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to upsert status: %w", err)
	}
	return nil
}

func (s *SQLStore) Scan(ctx context.Context, game string, fn func(*ModStatus) error) error {
	last := ""
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		var page []ModStatus
		err := s.db.WithContext(ctx).
			Where("game_id = ? AND mod_identifier > ?", game, last).
			Order("mod_identifier").
			Limit(scanPage).
			Find(&page).Error
		if err != nil {
			return fmt.Errorf("failed to scan status: %w", err)
		}
		for i := range page {
			if err := fn(&page[i]); err != nil {
				return err
			}
		}
		if len(page) < scanPage {
			return nil
		}
		last = page[len(page)-1].ModIdentifier
	}
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type printer struct {
	log *log.Logger
}

func (p printer) Printf(format string, args ...interface{}) {
	p.log.Warnf(format, args...)
}

type discard struct{}

func (discard) Printf(string, ...interface{}) {}
