package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinypal/pkg/sdk/event"
	"github.com/nicktill/tinypal/pkg/storage"
)

const (
	keyLength = 24

	// seqKey holds the event sequence; it sorts after every event key
	// written before year 2262, so scans stop before reaching it.
	seqKey = "\xff\xff\xff\xff\xff\xff\xff\xffseq"

	slowQuery = 5 * time.Second
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64

	Logger *slog.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(badgerLogger{logger})

	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	// BadgerDB defaults to 64 MB memtables x 5; an event collector on a
	// developer machine needs far less.
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}

	return &Storage{db: db, seq: seq, logger: logger}, nil
}

// Write stores events in BadgerDB. Each event gets its own key, so writing
// the same event twice stores it twice.
func (s *Storage) Write(ctx context.Context, events []event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			for i, e := range events {
				if i%100 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				n, err := s.seq.Next()
				if err != nil {
					return fmt.Errorf("failed to allocate sequence: %w", err)
				}

				value, err := json.Marshal(e)
				if err != nil {
					return fmt.Errorf("failed to encode event: %w", err)
				}

				key := makeKey(e.ResponseTime.Time, e.ExperimentGroupName, e.Type(), n)
				if err := txn.Set(key, value); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if errors.Is(err, badger.ErrDBClosed) {
			return storage.ErrClosed
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query seeks to the start of the range and scans forward until the end
// timestamp, so results are oldest first.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		results []event.Event
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		started := time.Now()
		scanned := 0

		// With both filters set the series hash in the key is enough to skip
		// non-matching events without decoding them.
		var series uint64
		filterSeries := req.Group != "" && req.Type != ""
		if filterSeries {
			series = seriesHash(req.Group, req.Type)
		}

		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(timePrefix(req.Start)); it.Valid(); it.Next() {
				scanned++
				if scanned%1000 == 0 {
					if err := ctx.Err(); err != nil {
						s.logger.Warn("query cancelled",
							"elapsed", time.Since(started), "scanned", scanned, "results", len(res.results))
						return err
					}
				}

				item := it.Item()
				key := item.Key()
				if len(key) != keyLength {
					continue
				}

				ts, hash := parseKey(key)
				if !req.End.IsZero() && ts.After(req.End) {
					break
				}
				if filterSeries && hash != series {
					continue
				}

				var e event.Event
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &e)
				}); err != nil {
					return fmt.Errorf("failed to decode event: %w", err)
				}

				if !req.Matches(e) {
					continue
				}
				res.results = append(res.results, e)

				if req.Limit > 0 && len(res.results) >= req.Limit {
					break
				}
			}
			return nil
		})

		if elapsed := time.Since(started); elapsed > slowQuery {
			s.logger.Warn("slow query", "elapsed", elapsed, "scanned", scanned, "results", len(res.results))
		}
		done <- res
	}()

	select {
	case res := <-done:
		if errors.Is(res.err, badger.ErrDBClosed) {
			return nil, storage.ErrClosed
		}
		return res.results, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Delete removes every event with a response time before the cutoff.
func (s *Storage) Delete(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		cutoff := timePrefix(before)
		for it.Rewind(); it.Valid(); it.Next() {
			if len(keys)%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			key := it.Item().Key()
			if bytes.Compare(key[:8], cutoff) >= 0 {
				break
			}
			if len(key) == keyLength {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired events: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to delete event: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush deletes: %w", err)
	}
	return len(keys), nil
}

// Close releases the sequence and shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	if err := s.seq.Release(); err != nil && !errors.Is(err, badger.ErrDBClosed) {
		s.logger.Warn("failed to release sequence", "error", err)
	}
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: rewrite a file if this fraction of it can be discarded (0.5 = 50%).
// Returns nil when there was nothing to collect or the store is in memory.
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{EventsByType: make(map[string]uint64)}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		n := 0
		for it.Rewind(); it.Valid(); it.Next() {
			n++
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			if len(item.Key()) != keyLength {
				continue
			}

			var e event.Event
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			stats.Observe(e)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, storage.ErrClosed
		}
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// makeKey creates a time-ordered key.
// Format: [timestamp (8 bytes)][series hash (8 bytes)][sequence (8 bytes)]
func makeKey(ts time.Time, group, typ string, seq uint64) []byte {
	key := make([]byte, keyLength)
	binary.BigEndian.PutUint64(key[0:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:16], seriesHash(group, typ))
	binary.BigEndian.PutUint64(key[16:24], seq)
	return key
}

// parseKey extracts the timestamp and series hash from a key
func parseKey(key []byte) (time.Time, uint64) {
	ts := time.Unix(0, int64(binary.BigEndian.Uint64(key[0:8])))
	return ts, binary.BigEndian.Uint64(key[8:16])
}

// timePrefix is the 8-byte key prefix for ts; the zero time maps to the
// start of the keyspace.
func timePrefix(ts time.Time) []byte {
	prefix := make([]byte, 8)
	if !ts.IsZero() {
		binary.BigEndian.PutUint64(prefix, uint64(ts.UnixNano()))
	}
	return prefix
}

func seriesHash(group, typ string) uint64 {
	d := xxhash.New()
	d.WriteString(group)
	d.WriteString("\x00")
	d.WriteString(typ)
	return d.Sum64()
}

// badgerLogger routes badger's printf-style logging into slog. Badger logs
// routine compaction progress at info level, so that goes to debug.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(trimLog(format, args), "component", "badger")
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(trimLog(format, args), "component", "badger")
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(trimLog(format, args), "component", "badger")
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(trimLog(format, args), "component", "badger")
}

func trimLog(format string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
