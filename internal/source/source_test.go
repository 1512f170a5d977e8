package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hyperjump/kao/internal/config"
	"github.com/hyperjump/kao/internal/models"
)

func readAll(t *testing.T, src Source, key string) string {
	t.Helper()
	rc, err := src.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open(%s): %v", key, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func keys(objects []Object) []string {
	out := make([]string, len(objects))
	for i, o := range objects {
		out[i] = o.Key
	}
	return out
}

func TestMatchExtension(t *testing.T) {
	exts := []string{".jpg", "jpeg", ".PNG"}
	tests := []struct {
		name string
		want bool
	}{
		{"alice_01.jpg", true},
		{"BOB.JPG", true},
		{"carol.jpeg", true},
		{"dir/dave.png", true},
		{"notes.txt", false},
		{"README", false},
		{"archive.jpg.zip", false},
	}
	for _, tt := range tests {
		if got := MatchExtension(tt.name, exts); got != tt.want {
			t.Errorf("MatchExtension(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if !MatchExtension("anything.bin", nil) {
		t.Error("empty extension list should match everything")
	}
}

func TestDirSource(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"alice_01.jpg":      "a1",
		"bob.png":           "b",
		"nested/carol.jpeg": "c",
		".hidden/eve.jpg":   "e",
		"notes.txt":         "n",
	}
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	src := NewDirSource(root, true)
	objects, err := src.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(keys(objects), ",")
	if got != "alice_01.jpg,bob.png,nested/carol.jpeg,notes.txt" {
		t.Errorf("List = %s", got)
	}
	images := Filter(objects, []string{".jpg", ".jpeg", ".png"})
	if len(images) != 3 {
		t.Errorf("Filter: got %v", keys(images))
	}
	if s := readAll(t, src, "nested/carol.jpeg"); s != "c" {
		t.Errorf("content = %q", s)
	}

	flat := NewDirSource(root, false)
	objects, err = flat.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 3 {
		t.Errorf("non-recursive List: got %v", keys(objects))
	}
}

func TestDirSource_OpenErrors(t *testing.T) {
	src := NewDirSource(t.TempDir(), true)
	if _, err := src.Open(context.Background(), "../etc/passwd"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("escaping key: got %v", err)
	}
	if _, err := src.Open(context.Background(), "missing.jpg"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing key: got %v", err)
	}
	if _, err := NewDirSource(filepath.Join(t.TempDir(), "nope"), true).List(context.Background()); err == nil {
		t.Error("List on a missing root should fail")
	}
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource(map[string][]byte{"b.jpg": []byte("bb"), "a.jpg": []byte("a")})
	src.Put("c.png", []byte("ccc"))
	objects, err := src.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(keys(objects), ","); got != "a.jpg,b.jpg,c.png" {
		t.Errorf("List = %s", got)
	}
	if objects[2].Size != 3 {
		t.Errorf("size = %d", objects[2].Size)
	}
	if s := readAll(t, src, "b.jpg"); s != "bb" {
		t.Errorf("content = %q", s)
	}
	if _, err := src.Open(context.Background(), "zzz.jpg"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
}

type fakeS3 struct {
	objects  map[string]string
	pageSize int
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var all []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			all = append(all, k)
		}
	}
	sort.Strings(all)
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range all {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := min(start+f.pageSize, len(all))
	out := &s3.ListObjectsV2Output{}
	for _, k := range all[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))})
	}
	if end < len(all) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(all[end])
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	v, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func TestS3Source(t *testing.T) {
	fake := &fakeS3{pageSize: 2, objects: map[string]string{
		"faces/alice.jpg":     "a",
		"faces/bob.png":       "b",
		"faces/sub/carol.jpg": "c",
		"faces/":              "",
		"other/dave.jpg":      "d",
	}}
	src := NewS3SourceWithClient(fake, "bucket", "/faces/")
	if src.Name() != "s3://bucket/faces" {
		t.Errorf("Name = %s", src.Name())
	}
	objects, err := src.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(keys(objects), ","); got != "alice.jpg,bob.png,sub/carol.jpg" {
		t.Errorf("List = %s", got)
	}
	if s := readAll(t, src, "sub/carol.jpg"); s != "c" {
		t.Errorf("content = %q", s)
	}
	if _, err := src.Open(context.Background(), "missing.jpg"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	src, err := New(context.Background(), &config.SourceConfig{Type: "dir", Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*DirSource); !ok {
		t.Errorf("expected *DirSource, got %T", src)
	}
	if _, err := New(context.Background(), &config.SourceConfig{Type: "dir"}); err == nil {
		t.Error("dir source without path should fail")
	}
	if _, err := New(context.Background(), &config.SourceConfig{Type: "minio"}); err == nil {
		t.Error("minio source without endpoint should fail")
	}
	if _, err := New(context.Background(), &config.SourceConfig{Type: "s3"}); err == nil {
		t.Error("s3 source without bucket should fail")
	}
	if _, err := New(context.Background(), &config.SourceConfig{Type: "ftp"}); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestNewMinioSource(t *testing.T) {
	src, err := NewMinioSource(&config.SourceConfig{
		Type: "minio", Endpoint: "localhost:9000", Bucket: "faces", Prefix: "enrolled",
		AccessKey: "minio", SecretKey: "minio123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if src.Name() != "minio:faces/enrolled" {
		t.Errorf("Name = %s", src.Name())
	}
	if src.key("alice.jpg") != "enrolled/alice.jpg" {
		t.Errorf("key = %s", src.key("alice.jpg"))
	}
}
