// Package sessioncache persists per-terminal resumption state across client
// restarts and page reloads.
//
// Each terminal stores one JSON-encoded TerminalSession under a namespaced
// key derived from its stable UI identity. Loading is deliberately lenient:
// presentation fields degrade independently to defaults when corrupt, but
// the identity fields (ptyId, workingDirectory, terminalKey) are strict —
// attaching with a mismatched identity would resume the wrong process, so
// an untrustworthy identity turns the whole record into a cache miss.
package sessioncache

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// KeyPrefix namespaces terminal session records in the store.
const KeyPrefix = "vibecanvas-terminal-session:"

// Defaults applied field-by-field when a stored record is partially corrupt.
const (
	DefaultRows  = 24
	DefaultCols  = 80
	DefaultTitle = "Terminal"
)

// TerminalSession is the persisted resumption state for one terminal.
type TerminalSession struct {
	// TerminalKey is the stable UI identity of the terminal.
	TerminalKey string `json:"terminalKey"`
	// WorkingDirectory and PTYID identify the remote process.
	WorkingDirectory string `json:"workingDirectory"`
	PTYID            string `json:"ptyId"`
	// Cursor is the byte offset of consumed output.
	Cursor int64 `json:"cursor"`

	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
	Title string `json:"title"`
	// ScrollY is the optional scroll position.
	ScrollY *float64 `json:"scrollY,omitempty"`
}

// entry is the stored row: one JSON document per namespaced key.
type entry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

func (entry) TableName() string {
	return "terminal_sessions"
}

// Cache is a sqlite-backed key-value store for terminal sessions.
type Cache struct {
	db *gorm.DB
}

// Open opens (creating if needed) the cache database at the given path.
// ":memory:" is accepted for tests.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create cache directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	if path != ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save serializes the full session verbatim under its namespaced key.
func (c *Cache) Save(s *TerminalSession) error {
	if s.TerminalKey == "" {
		return fmt.Errorf("terminal key is required")
	}

	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	key := KeyPrefix + s.TerminalKey
	return c.db.Where("key = ?", key).
		Assign(entry{Value: string(value), UpdatedAt: time.Now()}).
		FirstOrCreate(&entry{Key: key}).Error
}

// Load returns the stored session for a terminal, or nil when the entry is
// absent, unparsable, or its identity fields cannot be trusted. All other
// fields degrade independently to defaults. Corruption never propagates as
// an error to the caller.
func (c *Cache) Load(terminalKey string) *TerminalSession {
	var e entry
	err := c.db.Where("key = ?", KeyPrefix+terminalKey).First(&e).Error
	if err != nil {
		// Storage failures are treated the same as a miss; the caller
		// falls back to a fresh attach.
		return nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(e.Value), &raw); err != nil {
		return nil
	}

	// Identity fields are strict.
	storedKey, ok := asString(raw["terminalKey"])
	if !ok || storedKey != terminalKey {
		return nil
	}
	ptyID, ok := asString(raw["ptyId"])
	if !ok {
		return nil
	}
	workingDir, ok := asString(raw["workingDirectory"])
	if !ok {
		return nil
	}

	s := &TerminalSession{
		TerminalKey:      terminalKey,
		WorkingDirectory: workingDir,
		PTYID:            ptyID,
		Rows:             DefaultRows,
		Cols:             DefaultCols,
		Title:            DefaultTitle,
	}

	if n, ok := asFinite(raw["cursor"]); ok && n >= 0 {
		s.Cursor = int64(math.Floor(n))
	}
	if n, ok := asFinite(raw["rows"]); ok && n > 0 {
		s.Rows = int(n)
	}
	if n, ok := asFinite(raw["cols"]); ok && n > 0 {
		s.Cols = int(n)
	}
	if t, ok := asString(raw["title"]); ok {
		s.Title = t
	}
	if n, ok := asFinite(raw["scrollY"]); ok {
		s.ScrollY = &n
	}

	return s
}

// Clear deletes the stored session for a terminal.
func (c *Cache) Clear(terminalKey string) error {
	return c.db.Where("key = ?", KeyPrefix+terminalKey).Delete(&entry{}).Error
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func asFinite(v interface{}) (float64, bool) {
	n, ok := v.(float64)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
