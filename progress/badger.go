package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jupark12/karaoke-worker/logging"
)

const badgerConflictRetries = 5

// Badger stores each hash as one msgpack-encoded field map in BadgerDB.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the embedded store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB without disk persistence.
	InMemory bool
	Logger   *slog.Logger
}

// NewBadger opens an embedded progress store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("progress: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logging.NewComponentLogger(opts.Logger, "badger")})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) SetFields(_ context.Context, key string, fields map[string]string) error {
	return b.update(func(txn *badger.Txn) error {
		current, ttl, err := readHash(txn, key)
		if err != nil {
			return err
		}
		for k, v := range fields {
			current[k] = v
		}
		return writeHash(txn, key, current, ttl)
	})
}

func (b *Badger) DeleteFields(_ context.Context, key string, fields ...string) error {
	return b.update(func(txn *badger.Txn) error {
		current, ttl, err := readHash(txn, key)
		if err != nil {
			return err
		}
		if len(current) == 0 {
			return nil
		}
		for _, f := range fields {
			delete(current, f)
		}
		if len(current) == 0 {
			return txn.Delete([]byte(key))
		}
		return writeHash(txn, key, current, ttl)
	})
}

func (b *Badger) GetAll(_ context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		fields, _, err = readHash(txn, key)
		return err
	})
	return fields, err
}

func (b *Badger) SetNX(_ context.Context, key, field, value string, ttl time.Duration) (bool, error) {
	set := false
	err := b.update(func(txn *badger.Txn) error {
		set = false
		current, remaining, err := readHash(txn, key)
		if err != nil {
			return err
		}
		if _, exists := current[field]; exists {
			return nil
		}
		current[field] = value
		if ttl > 0 {
			remaining = ttl
		}
		set = true
		return writeHash(txn, key, current, remaining)
	})
	return set, err
}

func (b *Badger) CompareAndDelete(_ context.Context, key, field, value string) (bool, error) {
	deleted := false
	err := b.update(func(txn *badger.Txn) error {
		deleted = false
		current, _, err := readHash(txn, key)
		if err != nil {
			return err
		}
		if v, ok := current[field]; !ok || v != value {
			return nil
		}
		deleted = true
		return txn.Delete([]byte(key))
	})
	return deleted, err
}

func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range badgerConflictRetries {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// readHash returns the decoded field map and the remaining ttl (0 when the
// entry does not expire).
func readHash(txn *badger.Txn, key string) (map[string]string, time.Duration, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return map[string]string{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var ttl time.Duration
	if expires := item.ExpiresAt(); expires > 0 {
		ttl = time.Until(time.Unix(int64(expires), 0))
		if ttl <= 0 {
			return map[string]string{}, 0, nil
		}
	}
	fields := map[string]string{}
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &fields)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return fields, ttl, nil
}

func writeHash(txn *badger.Txn, key string, fields map[string]string, ttl time.Duration) error {
	data, err := msgpack.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	entry := badger.NewEntry([]byte(key), data)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

// badgerLogger routes badger's warnings and errors into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
