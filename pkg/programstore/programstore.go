// Package programstore provides persistent, content-addressed storage for
// deployed programs.
package programstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/bytevm/internal/types"
	"github.com/fortiblox/bytevm/pkg/loader"
	"github.com/fortiblox/bytevm/pkg/vm"
)

var (
	// ErrProgramNotFound is returned when a program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")

	// ErrInvalidName is returned for names that cannot be indexed.
	ErrInvalidName = errors.New("invalid program name")
)

// MaxNameLength bounds program names.
const MaxNameLength = 128

// Bucket names for BoltDB.
var (
	// bucketPrograms stores program records keyed by ProgramID.
	bucketPrograms = []byte("programs")

	// bucketNames maps names to ProgramIDs.
	bucketNames = []byte("names")

	// bucketMetadata stores store metadata.
	bucketMetadata = []byte("metadata")
)

var keyProgramCount = []byte("program_count")

// Config holds program store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout is how long to wait for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default program store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Record is a stored program.
type Record struct {
	ID         types.ProgramID
	Name       string
	DataSize   uint32
	Data       []byte
	Code       []byte // Whole image, header included
	DeployedAt int64  // Unix seconds
}

// Program returns the record as an executable program.
func (r *Record) Program() *vm.Program {
	return &vm.Program{
		DataSize: r.DataSize,
		Data:     append([]byte(nil), r.Data...),
		Code:     append([]byte(nil), r.Code...),
	}
}

// Size returns the instruction stream length in bytes.
func (r *Record) Size() int {
	return max(len(r.Code)-vm.HeaderSize, 0)
}

// Stats contains program store statistics.
type Stats struct {
	ProgramCount uint64
	DatabaseSize int64
}

// Store is the program store interface.
type Store interface {
	Put(p *vm.Program, name string) (*Record, error)
	Get(id types.ProgramID) (*Record, error)
	GetByName(name string) (*Record, error)
	Has(id types.ProgramID) bool
	Delete(id types.ProgramID) error
	List(limit int) ([]*Record, error)
	GetStats() (*Stats, error)
	Sync() error
	Close() error
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	mu           sync.RWMutex
	programCount uint64
	closed       bool
}

// ComputeID returns the content address of a program: the BLAKE3 hash of
// its canonical encoding, so the data initialiser is part of the identity.
func ComputeID(p *vm.Program) (types.ProgramID, error) {
	canonical, err := loader.Encode(p, false)
	if err != nil {
		return types.ProgramID{}, err
	}
	return types.ComputeProgramID(canonical), nil
}

// Open creates or opens a program store at the given path.
func Open(config Config) (*BoltStore, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &BoltStore{db: db, config: config}

	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	if err := store.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}
	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketNames, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty database, no values to load.
		}
		if v := meta.Get(keyProgramCount); v != nil {
			s.programCount = decodeCount(v)
		}
		return nil
	})
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores a program, binding name to it when name is non-empty.
// Storing the same program twice returns the existing record; only the
// name binding is updated.
func (s *BoltStore) Put(p *vm.Program, name string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrInvalidName, len(name), MaxNameLength)
	}
	id, err := ComputeID(p)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:         id,
		Name:       name,
		DataSize:   p.DataSize,
		Data:       p.Data,
		Code:       p.Code,
		DeployedAt: time.Now().Unix(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		names := tx.Bucket(bucketNames)

		if existing := programs.Get(id[:]); existing != nil {
			var old Record
			if err := gob.NewDecoder(bytes.NewReader(existing)).Decode(&old); err != nil {
				return fmt.Errorf("decode program: %w", err)
			}
			if name == "" || name == old.Name {
				*rec = old
				return nil
			}
			rec.DeployedAt = old.DeployedAt
		} else {
			s.programCount++
		}

		if name != "" {
			if err := names.Put([]byte(name), id[:]); err != nil {
				return err
			}
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return fmt.Errorf("encode program: %w", err)
		}
		if err := programs.Put(id[:], buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Put(keyProgramCount, encodeCount(s.programCount))
	})
	if err != nil {
		s.loadCachedValues()
		return nil, err
	}
	return rec, nil
}

// Get retrieves a program by ID.
func (s *BoltStore) Get(id types.ProgramID) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPrograms).Get(id[:])
		if data == nil {
			return ErrProgramNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByName retrieves the program a name is bound to.
func (s *BoltStore) GetByName(name string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var id types.ProgramID
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: name %q", ErrProgramNotFound, name)
		}
		copy(id[:], v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Has checks if a program exists.
func (s *BoltStore) Has(id types.ProgramID) bool {
	if s.checkOpen() != nil {
		return false
	}
	var exists bool
	s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketPrograms).Get(id[:]) != nil
		return nil
	})
	return exists
}

// Delete removes a program and every name bound to it.
func (s *BoltStore) Delete(id types.ProgramID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		if programs.Get(id[:]) == nil {
			return ErrProgramNotFound
		}
		if err := programs.Delete(id[:]); err != nil {
			return err
		}

		names := tx.Bucket(bucketNames)
		var stale [][]byte
		names.ForEach(func(k, v []byte) error {
			if bytes.Equal(v, id[:]) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range stale {
			if err := names.Delete(k); err != nil {
				return err
			}
		}

		if s.programCount > 0 {
			s.programCount--
		}
		return tx.Bucket(bucketMetadata).Put(keyProgramCount, encodeCount(s.programCount))
	})
}

// List returns up to limit records in ID order. A limit <= 0 returns all.
func (s *BoltStore) List(limit int) ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPrograms).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return fmt.Errorf("decode program %x: %w", k, err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// GetStats returns program store statistics.
func (s *BoltStore) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Stats{ProgramCount: s.programCount}
	if info, err := os.Stat(s.config.Path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// Sync forces a sync of the database to disk.
func (s *BoltStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close shuts down the store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.db.Close()
}

func encodeCount(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

func decodeCount(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Verify interface compliance.
var _ Store = (*BoltStore)(nil)
