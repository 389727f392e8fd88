package deadletter

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return []Entry{
		{Record: json.RawMessage(`{"id":"W1"}`), Attempts: 3, LastReason: "InternalFailure", Source: "openalex", FailedAt: now},
		{Record: json.RawMessage(`{"id":"W2"}`), Attempts: 3, LastReason: "unavailable", Source: "openalex", FailedAt: now},
	}
}

func TestFileWriter_AppendAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead-letter.ndjson")
	w, err := NewFileWriter(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), sampleEntries()))
	require.NoError(t, w.Write(context.Background(), sampleEntries()[:1]))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var decoded []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		decoded = append(decoded, e)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, decoded, 3)
	assert.Equal(t, json.RawMessage(`{"id":"W1"}`), decoded[0].Record)
	assert.Equal(t, "InternalFailure", decoded[0].LastReason)
	assert.Equal(t, 3, decoded[0].Attempts)
}

func TestFileWriter_AppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead-letter.ndjson")

	for i := 0; i < 2; i++ {
		w, err := NewFileWriter(path, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, w.Write(context.Background(), sampleEntries()[:1]))
		require.NoError(t, w.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Count(string(data), "\n")
	assert.Equal(t, 2, lines, "reopening must append, never truncate")
}

// fakeGCS captures uploaded objects in memory.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string]*bytes.Buffer
}

type fakeBucket struct{ parent *fakeGCS }
type fakeObject struct {
	parent *fakeGCS
	name   string
}
type fakeObjectWriter struct {
	buf    *bytes.Buffer
	parent *fakeGCS
}

func (f *fakeGCS) Bucket(string) GCSBucketHandle { return &fakeBucket{parent: f} }
func (b *fakeBucket) Object(name string) GCSObjectHandle {
	return &fakeObject{parent: b.parent, name: name}
}
func (o *fakeObject) NewWriter(_ context.Context) io.WriteCloser {
	o.parent.mu.Lock()
	defer o.parent.mu.Unlock()
	buf := &bytes.Buffer{}
	if o.parent.objects == nil {
		o.parent.objects = make(map[string]*bytes.Buffer)
	}
	o.parent.objects[o.name] = buf
	return &fakeObjectWriter{buf: buf, parent: o.parent}
}
func (w *fakeObjectWriter) Write(p []byte) (int, error) {
	w.parent.mu.Lock()
	defer w.parent.mu.Unlock()
	return w.buf.Write(p)
}
func (w *fakeObjectWriter) Close() error { return nil }

func TestGCSWriter_UploadsCompressedNDJSON(t *testing.T) {
	fake := &fakeGCS{}
	w, err := NewGCSWriter(fake, GCSWriterConfig{
		BucketName:   "dlq-bucket",
		ObjectPrefix: "dead-letter",
		RunID:        "run-1",
	}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), sampleEntries()))
	require.NoError(t, w.Close())

	require.Len(t, fake.objects, 1)
	for name, buf := range fake.objects {
		assert.True(t, strings.HasPrefix(name, "dead-letter/run-1/"), "object name %q", name)
		assert.True(t, strings.HasSuffix(name, ".jsonl.gz"))

		gz, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		raw, err := io.ReadAll(gz)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
		require.Len(t, lines, 2)
		var first Entry
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
		assert.Equal(t, json.RawMessage(`{"id":"W1"}`), first.Record)
	}
}

func TestGCSWriter_EmptyWriteIsNoop(t *testing.T) {
	fake := &fakeGCS{}
	w, err := NewGCSWriter(fake, GCSWriterConfig{BucketName: "dlq-bucket"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), nil))
	assert.Empty(t, fake.objects)
}

func TestNewGCSWriter_Validation(t *testing.T) {
	_, err := NewGCSWriter(nil, GCSWriterConfig{BucketName: "b"}, zerolog.Nop())
	require.Error(t, err)
	_, err = NewGCSWriter(&fakeGCS{}, GCSWriterConfig{}, zerolog.Nop())
	require.Error(t, err)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "unknown", subjectToken(""))
	assert.Equal(t, "unavailable", subjectToken("unavailable"))
	assert.Equal(t, "serviceunavailableexception__slow_down_", subjectToken("ServiceUnavailableException: Slow down."))
	long := subjectToken(strings.Repeat("x", 100))
	assert.Len(t, long, 48)
}

func TestDiscard(t *testing.T) {
	var d Discard
	require.NoError(t, d.Write(context.Background(), sampleEntries()))
	require.NoError(t, d.Close())
}
