// Copyright (C) 2025 Kodiak AI (dev@kodiakai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for the BadgerDB-backed message store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable synchronous writes.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Implementation
// =============================================================================

// seqKey is the metadata key backing the row sequence. Lives outside the
// `msg/` keyspace so group prefix scans never see it.
const seqKey = "sys/message_seq"

// seqBandwidth is the lease size for the durable sequence. A crash burns at
// most this many numbers; gaps are fine, regressions are not.
const seqBandwidth = 128

// badgerStore implements MessageStore over an embedded BadgerDB.
//
// # Description
//
// Rows are stored under `msg/<group>/<seq>/<uuid>` with a JSON value. The
// sequence component is a zero-padded number drawn from a BadgerDB Sequence,
// which persists its high-water mark, so a prefix scan over `msg/<group>/`
// yields rows in append order across process restarts. The uuid suffix keeps
// keys unique even if two stores ever share a directory.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions isolate writers and the
// Sequence hands out distinct numbers to concurrent appenders.
type badgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open creates a MessageStore backed by BadgerDB.
//
// # Description
//
// Opens the database at the configured path, creating the directory when
// missing, or in memory when InMemory is set.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//   - MessageStore: The opened store. Caller must Close() when done.
//   - error: Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (MessageStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger store: path is required for persistent mode")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("badger store: create dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger store: open: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger store: open sequence: %w", err)
	}

	return &badgerStore{db: db, seq: seq}, nil
}

// Append durably stores one message row.
func (s *badgerStore) Append(ctx context.Context, msg datatypes.StoredMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("badger store: marshal row: %w", err)
	}

	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("badger store: next sequence: %w", err)
	}

	key := fmt.Sprintf("msg/%s/%020d/%s", msg.MsgGroup, seq, uuid.New().String())
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger store: append: %w", err)
	}

	slog.Debug("Stored conversation row",
		"msg_group", msg.MsgGroup,
		"kind", msg.Kind,
		"code", msg.Code,
	)
	return nil
}

// ListByGroup returns all rows of a conversation group in append order.
func (s *badgerStore) ListByGroup(ctx context.Context, msgGroup string) ([]datatypes.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(fmt.Sprintf("msg/%s/", msgGroup))
	var rows []datatypes.StoredMessage

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var row datatypes.StoredMessage
				if err := json.Unmarshal(val, &row); err != nil {
					return fmt.Errorf("decode row %s: %w", it.Item().Key(), err)
				}
				rows = append(rows, row)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger store: list group %s: %w", msgGroup, err)
	}

	return rows, nil
}

// Close returns the unused sequence lease and releases the database.
func (s *badgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("badger store: release sequence: %w", err)
	}
	return s.db.Close()
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ MessageStore = (*badgerStore)(nil)
