package vector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledIndex(t *testing.T, n, dims int) Index {
	t.Helper()
	r := rand.New(rand.NewPCG(uint64(n), uint64(dims)))
	idx, err := NewLinearIndex(dims)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		rr := rec(fmt.Sprintf("id-%d", i), fmt.Sprintf("label%d", i%3), randomVector(r, dims)...)
		rr.Seq = uint64(i + 1)
		require.NoError(t, idx.Insert(context.Background(), rr))
	}
	return idx
}

func TestSnapshot_RoundTripCodecs(t *testing.T) {
	idx := filledIndex(t, 50, 16)
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		t.Run(string(codec), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteSnapshot(&buf, idx, codec))
			snap, err := ReadSnapshot(&buf)
			require.NoError(t, err)
			assert.Equal(t, 16, snap.Dimensions)
			assert.Equal(t, uint64(50), snap.LastSeq())
			assert.Equal(t, idx.Records(), snap.Records)
		})
	}
}

func TestSnapshot_SaveLoadRestore(t *testing.T) {
	ctx := context.Background()
	idx := filledIndex(t, 20, 8)
	path := filepath.Join(t.TempDir(), "nested", "index.snap")
	require.NoError(t, SaveSnapshot(path, idx, CodecZstd))

	snap, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.NotNil(t, snap)

	restored, err := NewVPTreeIndex(snap.Dimensions, VPTreeConfig{})
	require.NoError(t, err)
	require.NoError(t, Restore(ctx, restored, snap))
	assert.Equal(t, idx.Size(), restored.Size())

	q := []float32{1, 0, 0, 0, 0, 0, 0, 1}
	want, err := idx.Query(ctx, q, 3)
	require.NoError(t, err)
	got, err := restored.Query(ctx, q, 3)
	require.NoError(t, err)
	for i := range want {
		assert.Equal(t, want[i].Record.ID, got[i].Record.ID)
	}
}

func TestLoadSnapshot_Missing(t *testing.T) {
	snap, err := LoadSnapshot(filepath.Join(t.TempDir(), "none.snap"))
	assert.NoError(t, err)
	assert.Nil(t, snap)

	snap, err = LoadSnapshot("")
	assert.NoError(t, err)
	assert.Nil(t, snap)
}

func TestReadSnapshot_Invalid(t *testing.T) {
	_, err := ReadSnapshot(bytes.NewReader([]byte("not a snapshot at all")))
	assert.True(t, errors.Is(err, ErrBadSnapshot))

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, filledIndex(t, 5, 4), CodecNone))
	truncated := buf.Bytes()[:buf.Len()-3]
	_, err = ReadSnapshot(bytes.NewReader(truncated))
	assert.True(t, errors.Is(err, ErrBadSnapshot))

	path := filepath.Join(t.TempDir(), "junk.snap")
	require.NoError(t, os.WriteFile(path, []byte("KAOSNAP1\x09"), 0644))
	_, err = LoadSnapshot(path)
	assert.Error(t, err)
}

func TestReadSnapshot_OversizedHeader(t *testing.T) {
	header := func(dims, count uint32) []byte {
		var buf bytes.Buffer
		buf.Write(snapshotMagic[:])
		buf.WriteByte(codecIDs[CodecNone])
		binary.Write(&buf, binary.LittleEndian, dims)
		binary.Write(&buf, binary.LittleEndian, count)
		binary.Write(&buf, binary.LittleEndian, int64(0))
		return buf.Bytes()
	}
	tests := []struct {
		name        string
		dims, count uint32
	}{
		{"huge dims and count", 0xFFFFFFFF, 0xFFFFFFFF},
		{"huge count", 4, 0xFFFFFFFF},
		{"records without dims", 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSnapshot(bytes.NewReader(header(tt.dims, tt.count)))
			assert.True(t, errors.Is(err, ErrBadSnapshot), "err = %v", err)
		})
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)
	c, err = ParseCodec("lz4")
	require.NoError(t, err)
	assert.Equal(t, CodecLZ4, c)
	_, err = ParseCodec("gzip")
	assert.Error(t, err)
}
