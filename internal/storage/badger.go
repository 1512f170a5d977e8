package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/models"
	"github.com/hyperjump/kao/internal/vector"
)

// Key layout:
//
//	rec/<seq:8 bytes big-endian> -> msgpack(badgerRecord)
//	id/<record id>                -> seq
//	meta/seq                      -> badger sequence lease
var (
	recPrefix = []byte("rec/")
	idPrefix  = []byte("id/")
	seqKey    = []byte("meta/seq")
)

type badgerRecord struct {
	ID         string    `msgpack:"id"`
	Label      string    `msgpack:"label"`
	Vector     []float32 `msgpack:"vector"`
	Normalized bool      `msgpack:"normalized"`
	CreatedAt  time.Time `msgpack:"created_at"`
}

// BadgerStore implements Store on an embedded BadgerDB with synchronous writes.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	dir    string
	logger *zap.Logger
	closed atomic.Bool

	// mu guards dims and count, which mirror the stored records.
	mu    sync.Mutex
	dims  int
	count int64
}

// NewBadgerStore opens or creates a Badger database in dir.
func NewBadgerStore(dir string, opts ...Option) (*BadgerStore, error) {
	o := buildOptions(opts)
	if !o.inMemory && dir == "" {
		return nil, errors.New("badger directory is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{o.logger.Sugar()})
	if o.inMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	seq, err := db.GetSequence(seqKey, 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to lease sequence: %w", err)
	}
	s := &BadgerStore{db: db, seq: seq, dir: dir, logger: o.logger}
	if err := s.loadCounters(); err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, err
	}
	o.logger.Debug("Opened Badger store", zap.String("dir", dir), zap.Bool("in_memory", o.inMemory))
	return s, nil
}

func (s *BadgerStore) loadCounters() error {
	return s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = recPrefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(recPrefix); it.ValidForPrefix(recPrefix); it.Next() {
			if s.count == 0 {
				rec, err := decodeItem(it.Item())
				if err != nil {
					return err
				}
				s.dims = len(rec.Vector)
			}
			s.count++
		}
		return nil
	})
}

// Dir returns the data directory.
func (s *BadgerStore) Dir() string {
	return s.dir
}

func recKey(seq uint64) []byte {
	k := make([]byte, len(recPrefix)+8)
	copy(k, recPrefix)
	binary.BigEndian.PutUint64(k[len(recPrefix):], seq)
	return k
}

func idKey(id string) []byte {
	return append(append([]byte(nil), idPrefix...), id...)
}

func decodeItem(item *badger.Item) (*models.VectorRecord, error) {
	var br badgerRecord
	err := item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &br)
	})
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	key := item.Key()
	return &models.VectorRecord{
		ID:         br.ID,
		Label:      br.Label,
		Vector:     br.Vector,
		Normalized: br.Normalized,
		Seq:        binary.BigEndian.Uint64(key[len(recPrefix):]),
		CreatedAt:  br.CreatedAt,
	}, nil
}

func (s *BadgerStore) checkOpen() error {
	if s.closed.Load() {
		return unavailable("badger", badger.ErrDBClosed)
	}
	return nil
}

// Put appends a record; the record and its id index are written in one transaction.
func (s *BadgerStore) Put(ctx context.Context, label string, vec []float32) (*models.VectorRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkPut(label, vec, s.dims); err != nil {
		return nil, err
	}
	next, err := s.seq.Next()
	if err != nil {
		return nil, unavailable("next sequence", err)
	}
	rec := &models.VectorRecord{
		ID:         uuid.NewString(),
		Label:      label,
		Vector:     append([]float32(nil), vec...),
		Normalized: vector.IsNormalized(vec),
		Seq:        next + 1,
		CreatedAt:  time.Now().UTC(),
	}
	val, err := msgpack.Marshal(&badgerRecord{
		ID:         rec.ID,
		Label:      rec.Label,
		Vector:     rec.Vector,
		Normalized: rec.Normalized,
		CreatedAt:  rec.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, rec.Seq)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recKey(rec.Seq), val); err != nil {
			return err
		}
		return txn.Set(idKey(rec.ID), seqBytes)
	})
	if err != nil {
		return nil, unavailable("write record", err)
	}
	s.dims = len(vec)
	s.count++
	return rec, nil
}

func (s *BadgerStore) lookup(txn *badger.Txn, id string) (*models.VectorRecord, error) {
	item, err := txn.Get(idKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	seqBytes, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	recItem, err := txn.Get(recKey(binary.BigEndian.Uint64(seqBytes)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeItem(recItem)
}

// Get returns a record by ID.
func (s *BadgerStore) Get(ctx context.Context, id string) (*models.VectorRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var rec *models.VectorRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = s.lookup(txn, id)
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("get record", err)
	}
	return rec, nil
}

// GetAll returns all records in sequence order; keys sort by big-endian seq.
func (s *BadgerStore) GetAll(ctx context.Context) ([]*models.VectorRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*models.VectorRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = recPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(recPrefix); it.ValidForPrefix(recPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list records", err)
	}
	return out, nil
}

// Delete removes a record and its id index entry in one transaction.
func (s *BadgerStore) Delete(ctx context.Context, id string) (*models.VectorRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec *models.VectorRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if rec, err = s.lookup(txn, id); err != nil {
			return err
		}
		if err := txn.Delete(recKey(rec.Seq)); err != nil {
			return err
		}
		return txn.Delete(idKey(id))
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("delete record", err)
	}
	s.count--
	if s.count == 0 {
		s.dims = 0
	}
	return rec, nil
}

// Count returns the number of records.
func (s *BadgerStore) Count(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

// Stats returns count, dimension and the last sequence number.
func (s *BadgerStore) Stats(ctx context.Context) (*models.StoreStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	st := &models.StoreStats{Count: s.count, Dimensions: s.dims}
	s.mu.Unlock()
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = true
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = recPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		seekTo := append(append([]byte(nil), recPrefix...), bytes.Repeat([]byte{0xff}, 8)...)
		it.Seek(seekTo)
		if it.ValidForPrefix(recPrefix) {
			key := it.Item().Key()
			st.LastSeq = binary.BigEndian.Uint64(key[len(recPrefix):])
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("stats", err)
	}
	return st, nil
}

// Labels returns per-label counts.
func (s *BadgerStore) Labels(ctx context.Context) ([]*models.LabelCount, error) {
	records, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Label]++
	}
	out := make([]*models.LabelCount, 0, len(counts))
	for l, n := range counts {
		out = append(out, &models.LabelCount{Label: l, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("Failed to release badger sequence", zap.Error(err))
	}
	return s.db.Close()
}

// badgerLogger routes badger's logging through zap. Info is demoted to debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.s.Errorf("[badger] "+f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.s.Warnf("[badger] "+f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.s.Debugf("[badger] "+f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.s.Debugf("[badger] "+f, v...) }

var _ badger.Logger = badgerLogger{}
