// Package runstore provides the BadgerDB-backed history of executions.
package runstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/bytevm/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixRun is the prefix for run records.
	// Key format: prefixRun + seq (8 bytes, big-endian)
	prefixRun = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	// prefixProgramRun indexes runs by program.
	// Key format: prefixProgramRun + program id (32 bytes) + seq
	prefixProgramRun = []byte{0x03}

	// metaSeq is the key for the last assigned sequence number.
	metaSeq = append(append([]byte(nil), prefixMeta...), []byte("seq")...)
)

// Config contains configuration for the run store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional logger. Set to nil to disable logging.
	Logger badger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: false,
		Logger:     nil,
	}
}

// Store records runs under monotonically increasing sequence numbers.
type Store struct {
	db *badger.DB

	// seq is the last assigned sequence number
	seq atomic.Uint64

	// mu serialises appends so sequence numbers are written in order
	mu sync.Mutex

	closed atomic.Bool
}

// Open opens or creates a run store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return s, nil
}

func (s *Store) loadMetadata() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaSeq)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				s.seq.Store(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
}

func runKey(seq uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixRun[0]
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func programRunKey(id types.ProgramID, seq uint64) []byte {
	key := make([]byte, 1+32+8)
	key[0] = prefixProgramRun[0]
	copy(key[1:], id[:])
	binary.BigEndian.PutUint64(key[33:], seq)
	return key
}

// Append stores r under the next sequence number, which is written back
// into r and returned.
func (s *Store) Append(r *Run) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq.Load() + 1
	r.Seq = seq
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(runKey(seq), r.Serialize()); err != nil {
			return err
		}
		if err := txn.Set(programRunKey(r.ProgramID, seq), nil); err != nil {
			return err
		}
		return txn.Set(metaSeq, seqBuf)
	})
	if err != nil {
		r.Seq = 0
		return 0, err
	}
	s.seq.Store(seq)
	return seq, nil
}

// Get retrieves a run by sequence number.
func (s *Store) Get(seq uint64) (*Run, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var run *Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %d", ErrRunNotFound, seq)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := DeserializeRun(val)
			if err != nil {
				return err
			}
			run = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// LastSeq returns the last assigned sequence number, 0 if none.
func (s *Store) LastSeq() uint64 {
	return s.seq.Load()
}

// Latest returns up to limit runs, newest first.
func (s *Store) Latest(limit int) ([]*Run, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var out []*Run
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefixRun
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the largest key <= seek.
		seek := append(append([]byte(nil), prefixRun...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				r, err := DeserializeRun(val)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// ListByProgram returns up to limit runs of one program, newest first.
func (s *Store) ListByProgram(id types.ProgramID, limit int) ([]*Run, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := append(append([]byte(nil), prefixProgramRun...), id[:]...)
	var seqs []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(seqs) >= limit {
				break
			}
			key := it.Item().Key()
			if len(key) != len(prefix)+8 {
				continue
			}
			seqs = append(seqs, binary.BigEndian.Uint64(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Run, 0, len(seqs))
	for _, seq := range seqs {
		r, err := s.Get(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// RunGC runs garbage collection on the value log. A pass that finds
// nothing to rewrite is not an error.
func (s *Store) RunGC() error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Sync ensures all writes are persisted to disk.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.db.Close()
}
