package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"circuit/core/events"
	"circuit/core/types"
)

var ErrUnsupportedDriver = errors.New("archive: unsupported driver")

// Open connects to the archive database and migrates it. driver is
// "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return db, nil
}

// Store collects runtime events between commits and persists them with the
// block they were committed in.
type Store struct {
	db *gorm.DB

	mu      sync.Mutex
	pending []events.Event
}

// NewStore wraps an opened database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Emit implements events.Emitter. Events are held until CommitBlock.
func (s *Store) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, evt)
	s.mu.Unlock()
}

// Pending returns the number of events waiting for a commit.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CommitBlock writes the pending events and the block record in one
// transaction.
func (s *Store) CommitBlock(ctx context.Context, number uint64, root common.Hash) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	records := make([]EventRecord, 0, len(batch))
	for i, evt := range batch {
		rec, err := toRecord(number, i, evt)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(records) > 0 {
			if err := tx.CreateInBatches(records, 200).Error; err != nil {
				return err
			}
		}
		return tx.Create(&BlockRecord{Number: number, Root: root.Hex(), Events: len(records)}).Error
	})
}

func toRecord(block uint64, seq int, evt events.Event) (EventRecord, error) {
	typ := evt.EventType()
	rec := EventRecord{Block: block, Seq: seq, Type: typ, Module: types.EventModule(typ), Attributes: "{}"}
	if payload, ok := events.Payload(evt); ok && payload.Attributes != nil {
		raw, err := json.Marshal(payload.Attributes)
		if err != nil {
			return rec, fmt.Errorf("archive: encode %s: %w", typ, err)
		}
		rec.Attributes = string(raw)
		rec.XtxID = payload.Attributes["xtx"]
	}
	return rec, nil
}

// Filter narrows an event query. Zero fields match everything.
type Filter struct {
	Type      string
	Module    string
	XtxID     string
	FromBlock uint64
	ToBlock   uint64
	Limit     int
}

// Events returns the archived events matching f, oldest first.
func (s *Store) Events(ctx context.Context, f Filter) ([]EventRecord, error) {
	q := s.db.WithContext(ctx).Model(&EventRecord{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Module != "" {
		q = q.Where("module = ?", f.Module)
	}
	if f.XtxID != "" {
		q = q.Where("xtx_id = ?", f.XtxID)
	}
	if f.FromBlock > 0 {
		q = q.Where("block >= ?", f.FromBlock)
	}
	if f.ToBlock > 0 {
		q = q.Where("block <= ?", f.ToBlock)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []EventRecord
	if err := q.Order("block asc").Order("seq asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LatestBlock returns the highest archived block, or nil when none is.
func (s *Store) LatestBlock(ctx context.Context) (*BlockRecord, error) {
	var rec BlockRecord
	err := s.db.WithContext(ctx).Order("number desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
