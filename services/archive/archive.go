// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive stores processed mutations and signature ledger entries in
// BadgerDB.
//
// Records are msgpack encoded under namespaced keys:
//
//	mutation/<id>          one record per applied or rejected mutation
//	signature/<seq>/<sig>  ledger entries in append order
//
// The archive is append-only: there is no delete operation. The default
// configuration runs in memory, so nothing survives a restart unless a Path
// is configured.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/palooza/services/fabric"
)

// Key namespaces.
const (
	PrefixMutation  = "mutation/"
	PrefixSignature = "signature/"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("archive record not found")

// ErrClosed is returned by operations on a closed archive.
var ErrClosed = errors.New("archive is closed")

// Config holds configuration for an archive.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps the archive in RAM only.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		InMemory:       true,
		GCDiscardRatio: 0.5,
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
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Archive is an append-only record store backed by BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type Archive struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint64
	closed bool

	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens an archive.
//
// Description:
//
//	Opens BadgerDB at cfg.Path, or in memory when cfg.InMemory is set.
//	The directory is created when missing. A value log GC goroutine is
//	started for persistent archives when GCInterval is positive.
//
// Inputs:
//
//	cfg - Archive configuration. Path is required unless InMemory is true.
//	logger - Receives BadgerDB's internal log lines. Nil disables them.
//
// Outputs:
//
//	*Archive - Call Close when done.
//	error - Non-nil if the path is missing or the database cannot be opened.
func Open(cfg Config, logger *slog.Logger) (*Archive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent archive")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger archive: %w", err)
	}

	a := &Archive{db: db, logger: logger}
	if err := a.loadSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		a.stopGC = make(chan struct{})
		a.gcDone = make(chan struct{})
		go a.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return a, nil
}

// OpenInMemory opens an in-memory archive. Data is lost on Close.
func OpenInMemory() (*Archive, error) {
	return Open(DefaultConfig(), nil)
}

// Close stops GC and closes the database. Safe to call more than once.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.stopGC != nil {
		close(a.stopGC)
		<-a.gcDone
	}
	return a.db.Close()
}

// =============================================================================
// Records
// =============================================================================

// Put stores record under key, msgpack encoded. Existing keys are refused so
// archived records are never overwritten.
func (a *Archive) Put(ctx context.Context, key string, record any) error {
	data, err := fabric.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode archive record %s: %w", key, err)
	}
	return a.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return fmt.Errorf("archive record %s already exists", key)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), data)
	})
}

// Append stores a ledger record under PrefixSignature plus a monotonically
// increasing sequence number and suffix. It returns the key used.
func (a *Archive) Append(ctx context.Context, suffix string, record any) (string, error) {
	a.mu.Lock()
	a.seq++
	key := fmt.Sprintf("%s%020d/%s", PrefixSignature, a.seq, suffix)
	a.mu.Unlock()

	if err := a.Put(ctx, key, record); err != nil {
		return "", err
	}
	return key, nil
}

// Get decodes the record stored under key into out.
func (a *Archive) Get(ctx context.Context, key string, out any) error {
	return a.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return fabric.Unmarshal(val, out)
		})
	})
}

// Keys lists every key under prefix in key order.
func (a *Archive) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := a.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// Count returns the number of records under prefix.
func (a *Archive) Count(ctx context.Context, prefix string) (int, error) {
	keys, err := a.Keys(ctx, prefix)
	return len(keys), err
}

// =============================================================================
// Internals
// =============================================================================

func (a *Archive) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := a.ready(ctx); err != nil {
		return err
	}
	return a.db.Update(fn)
}

func (a *Archive) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := a.ready(ctx); err != nil {
		return err
	}
	return a.db.View(fn)
}

func (a *Archive) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// loadSequence resumes the append counter of a persistent archive.
func (a *Archive) loadSequence() error {
	return a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(PrefixSignature)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), PrefixSignature)
			num, _, _ := strings.Cut(rest, "/")
			if seq, err := strconv.ParseUint(num, 10, 64); err == nil && seq > a.seq {
				a.seq = seq
			}
		}
		return nil
	})
}

func (a *Archive) runGC(interval time.Duration, ratio float64) {
	defer close(a.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopGC:
			return
		case <-ticker.C:
			err := a.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				a.logger.Warn("archive value log GC error", "error", err)
			}
		}
	}
}
