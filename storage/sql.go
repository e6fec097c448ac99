package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// kvRecord is the single table backing SQLDB.
type kvRecord struct {
	Key   []byte `gorm:"column:kv_key;primaryKey"`
	Value []byte `gorm:"column:kv_value;not null"`
}

func (kvRecord) TableName() string { return "channel_kv" }

// SQLDB stores keys in a SQL table through gorm. SQLite is used for single
// node deployments and Postgres when several processes share a database.
type SQLDB struct {
	db *gorm.DB
}

// OpenSQLite opens a pure Go SQLite database. Use
// "file::memory:?cache=shared" for an in-memory database.
func OpenSQLite(dsn string) (*SQLDB, error) {
	return NewSQLDB(sqlite.Open(dsn))
}

// OpenPostgres connects to a Postgres database.
func OpenPostgres(dsn string) (*SQLDB, error) {
	return NewSQLDB(postgres.Open(dsn))
}

// NewSQLDB opens dialector and migrates the key-value table.
func NewSQLDB(dialector gorm.Dialector) (*SQLDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open sql database: %w", err)
	}
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate sql database: %w", err)
	}
	return &SQLDB{db: db}, nil
}

func (s *SQLDB) Put(key []byte, value []byte) error {
	return upsert(s.db, key, value)
}

func upsert(db *gorm.DB, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"kv_value"}),
	}).Create(&kvRecord{Key: copyBytes(key), Value: copyBytes(value)}).Error
}

func (s *SQLDB) Get(key []byte) ([]byte, error) {
	var record kvRecord
	if err := s.db.First(&record, "kv_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record.Value, nil
}

func (s *SQLDB) Has(key []byte) (bool, error) {
	var count int64
	if err := s.db.Model(&kvRecord{}).Where("kv_key = ?", key).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLDB) Delete(key []byte) error {
	return s.db.Where("kv_key = ?", key).Delete(&kvRecord{}).Error
}

func (s *SQLDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	query := s.db.Model(&kvRecord{}).Order("kv_key")
	if len(prefix) > 0 {
		query = query.Where("kv_key >= ?", prefix)
		if end := prefixEnd(prefix); end != nil {
			query = query.Where("kv_key < ?", end)
		}
	}
	var records []kvRecord
	if err := query.Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		if err := fn(record.Key, record.Value); err != nil {
			return err
		}
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := copyBytes(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *SQLDB) NewBatch() Batch {
	return &opBatch{apply: func(ops []batchOp) error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			for _, op := range ops {
				if op.delete {
					if err := tx.Where("kv_key = ?", op.key).Delete(&kvRecord{}).Error; err != nil {
						return err
					}
					continue
				}
				if err := upsert(tx, op.key, op.value); err != nil {
					return err
				}
			}
			return nil
		})
	}}
}

// Close releases the connection pool.
func (s *SQLDB) Close() {
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		slog.Warn("storage: close sql database", "error", err)
	}
}
