package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hyperjump/kao/internal/models"
)

// Codec names the compression applied to a snapshot body.
type Codec string

const (
	CodecNone Codec = "none"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

var snapshotMagic = [8]byte{'K', 'A', 'O', 'S', 'N', 'A', 'P', '1'}

var codecIDs = map[Codec]byte{CodecNone: 0, CodecZstd: 1, CodecLZ4: 2}

// maxSnapshotDims bounds the dimension accepted from a snapshot header.
const maxSnapshotDims = 1 << 16

// ErrBadSnapshot is returned for files that are not snapshots or are truncated.
var ErrBadSnapshot = errors.New("invalid index snapshot")

// Snapshot is a point-in-time copy of an index's records.
type Snapshot struct {
	Dimensions int
	CreatedAt  time.Time
	Records    []*models.VectorRecord
}

// LastSeq returns the highest record Seq in the snapshot.
func (s *Snapshot) LastSeq() uint64 {
	var last uint64
	for _, r := range s.Records {
		last = max(last, r.Seq)
	}
	return last
}

// ParseCodec maps a config value onto a Codec. Empty means zstd.
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case "":
		return CodecZstd, nil
	case CodecNone, CodecZstd, CodecLZ4:
		return Codec(name), nil
	default:
		return "", fmt.Errorf("unknown snapshot compression: %s (supported: none, zstd, lz4)", name)
	}
}

// WriteSnapshot writes idx's records to w.
// Layout: magic (8), codec (1), then the compressed body: dimension (4), n (4),
// created-at unix nanos (8), then per record: seq (8), idLen (2), id, labelLen (2),
// label, vector (dimension*4 bytes).
func WriteSnapshot(w io.Writer, idx Index, codec Codec) error {
	id, ok := codecIDs[codec]
	if !ok {
		return fmt.Errorf("unknown snapshot compression: %s", codec)
	}
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if _, err := w.Write([]byte{id}); err != nil {
		return fmt.Errorf("write codec: %w", err)
	}
	body, err := compressor(w, codec)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(body)
	if err := writeBody(bw, idx.Dimensions(), idx.Records()); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return body.Close()
}

func writeBody(w io.Writer, dims int, records []*models.VectorRecord) error {
	le := binary.LittleEndian
	if err := binary.Write(w, le, uint32(dims)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, le, uint32(len(records))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	if err := binary.Write(w, le, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("write timestamp: %w", err)
	}
	for _, r := range records {
		if err := binary.Write(w, le, r.Seq); err != nil {
			return fmt.Errorf("write seq: %w", err)
		}
		if err := writeString(w, r.ID); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if err := writeString(w, r.Label); err != nil {
			return fmt.Errorf("write label: %w", err)
		}
		if _, err := w.Write(EncodeFloat32s(r.Vector)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

const maxStringLen = 1<<16 - 1

func writeString(w io.Writer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("string of %d bytes too long", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadSnapshot parses a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var header [9]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrBadSnapshot, err)
	}
	if [8]byte(header[:8]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	body, err := decompressor(r, header[8])
	if err != nil {
		return nil, err
	}
	defer body.Close()
	snap, err := readBody(bufio.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	return snap, nil
}

func readBody(r io.Reader) (*Snapshot, error) {
	le := binary.LittleEndian
	var dim, n uint32
	var created int64
	if err := binary.Read(r, le, &dim); err != nil {
		return nil, fmt.Errorf("read dimensions: %w", err)
	}
	if err := binary.Read(r, le, &n); err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}
	if err := binary.Read(r, le, &created); err != nil {
		return nil, fmt.Errorf("read timestamp: %w", err)
	}
	if dim > maxSnapshotDims {
		return nil, fmt.Errorf("dimensions %d exceed %d", dim, maxSnapshotDims)
	}
	if dim == 0 && n > 0 {
		return nil, fmt.Errorf("%d records without dimensions", n)
	}
	snap := &Snapshot{
		Dimensions: int(dim),
		CreatedAt:  time.Unix(0, created),
		Records:    make([]*models.VectorRecord, 0, min(n, 1<<12)),
	}
	buf := make([]byte, int(dim)*4)
	for i := uint32(0); i < n; i++ {
		rec := &models.VectorRecord{Normalized: true}
		if err := binary.Read(r, le, &rec.Seq); err != nil {
			return nil, fmt.Errorf("read seq: %w", err)
		}
		var err error
		if rec.ID, err = readString(r); err != nil {
			return nil, fmt.Errorf("read id: %w", err)
		}
		if rec.Label, err = readString(r); err != nil {
			return nil, fmt.Errorf("read label: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read vector: %w", err)
		}
		if rec.Vector, err = DecodeFloat32s(buf); err != nil {
			return nil, err
		}
		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func compressor(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return enc, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

func decompressor(r io.Reader, id byte) (io.ReadCloser, error) {
	switch id {
	case codecIDs[CodecNone]:
		return io.NopCloser(r), nil
	case codecIDs[CodecZstd]:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case codecIDs[CodecLZ4]:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrBadSnapshot, id)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// SaveSnapshot writes the index to path atomically (temp file, then rename).
// Directory is created if needed. An empty path is a no-op.
func SaveSnapshot(path string, idx Index, codec Codec) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := WriteSnapshot(tmp, idx, codec); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot from path. A missing file yields (nil, nil).
func LoadSnapshot(path string) (*Snapshot, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return ReadSnapshot(f)
}

// Restore inserts the snapshot's records into idx in their original order.
func Restore(ctx context.Context, idx Index, snap *Snapshot) error {
	for _, rec := range snap.Records {
		if err := idx.Insert(ctx, rec); err != nil {
			return fmt.Errorf("restore %s: %w", rec.ID, err)
		}
	}
	return nil
}
