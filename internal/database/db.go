package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/desh0cc/psychopass/internal/config"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens the database connection, applies pragmas and creates the schema.
// The returned handle is owned by the caller and passed explicitly to services.
func Open(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	// Ensure database directory exists
	dbDir := filepath.Dir(cfg.Database.Path)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := OpenPath(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Enable WAL mode for better concurrency
	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.Exec("PRAGMA synchronous = NORMAL").Error; err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("Database migrations completed")

	if err := initializeDirectories(cfg, log); err != nil {
		return nil, fmt.Errorf("failed to initialize directories: %w", err)
	}

	log.Info("Database initialized successfully", zap.String("path", cfg.Database.Path))
	return db, nil
}

// OpenPath opens a SQLite database at path with foreign keys enforced on
// every connection. Callers that need migrations use Migrate.
func OpenPath(path string, busyTimeout time.Duration) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // We'll use zap for logging
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates the tables and indexes if they do not exist. Existing
// tables are left untouched so databases written by earlier releases keep working.
func Migrate(db *gorm.DB) error {
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return createIndexes(db)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profile (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		global_name TEXT,
		avatar TEXT,
		canonical_id TEXT UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS chat (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canon_id TEXT UNIQUE,
		name TEXT,
		avatar TEXT,
		type TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS platform_user (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id INTEGER NOT NULL,
		platform TEXT NOT NULL,
		platform_user_id TEXT NOT NULL,
		username TEXT,
		UNIQUE(platform, platform_user_id),
		FOREIGN KEY(profile_id) REFERENCES profile(id)
	)`,
	`CREATE TABLE IF NOT EXISTS message (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		platform_id TEXT,
		user_id INTEGER,
		chat_id INTEGER,
		text TEXT,
		emotion TEXT,
		timestamp TEXT,
		reply_to INTEGER,
		UNIQUE(chat_id, timestamp, text),
		FOREIGN KEY(user_id) REFERENCES profile(id),
		FOREIGN KEY(chat_id) REFERENCES chat(id),
		FOREIGN KEY(reply_to) REFERENCES message(id)
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		path TEXT NOT NULL,
		FOREIGN KEY(message_id) REFERENCES message(id)
	)`,
	`CREATE TABLE IF NOT EXISTS merge_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		primary_id INTEGER NOT NULL,
		secondary_id INTEGER NOT NULL,
		platform_ids TEXT NOT NULL,
		msg_ids TEXT,
		old_name TEXT,
		old_avatar TEXT,
		old_canon TEXT,
		merged_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS stats (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version TEXT DEFAULT '0.2.0',
		messages INT DEFAULT 0,
		uploads INT DEFAULT 0,
		profiles INT DEFAULT 0,
		last_upload DATETIME
	)`,
}

// createIndexes creates lookup indexes used by the read model
func createIndexes(db *gorm.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_message_user ON message(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_message_chat_platform ON message(chat_id, platform_id)",
		"CREATE INDEX IF NOT EXISTS idx_message_reply ON message(reply_to)",
		"CREATE INDEX IF NOT EXISTS idx_media_message ON media(message_id)",
		"CREATE INDEX IF NOT EXISTS idx_platform_user_profile ON platform_user(profile_id)",
		"CREATE INDEX IF NOT EXISTS idx_merge_history_primary ON merge_history(primary_id)",
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// initializeDirectories creates all required data directories
func initializeDirectories(cfg *config.Config, log *zap.Logger) error {
	dirs := []string{
		cfg.Directories.DataDir,
		cfg.Directories.CacheDir,
		cfg.Directories.UploadsDir,
		cfg.Directories.ExtractedDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		// Verify write permissions
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
			return fmt.Errorf("directory %s is not writable: %w", dir, err)
		}
		os.Remove(testFile)

		log.Info("Directory initialized", zap.String("path", dir))
	}

	return nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RetryWithBackoff retries a database operation with exponential backoff
func RetryWithBackoff(maxRetries int, initialDelay time.Duration, fn func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if IsDatabaseLocked(err) && i < maxRetries-1 {
			time.Sleep(delay)
			delay *= 2
			continue
		}

		return err
	}

	return err
}

// IsDatabaseLocked checks if the error is a database locked error
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database locked")
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyViolation reports whether err is a SQLite FOREIGN KEY constraint failure.
func IsForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
