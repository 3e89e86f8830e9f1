package adapter_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoria/pkg/adapter"
)

func testStorage(t *testing.T, s adapter.Storage) {
	ctx := context.Background()
	key := fmt.Sprintf("snapshots/%d.json", time.Now().UnixNano())

	w, err := s.Put(ctx, key)
	gt.NoError(t, err)
	_, err = w.Write([]byte(`{"visible":["a"]}`))
	gt.NoError(t, err)
	gt.NoError(t, w.Close())

	r, err := s.Get(ctx, key)
	gt.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	gt.NoError(t, err)
	gt.Equal(t, string(data), `{"visible":["a"]}`)

	_, err = s.Get(ctx, key+".missing")
	gt.True(t, errors.Is(err, adapter.ErrObjectNotFound))
	gt.Equal(t, goerr.Values(err)["key"], any(key+".missing"))
}

func TestFileStorage(t *testing.T) {
	s, err := adapter.NewFileStorage(t.TempDir())
	gt.NoError(t, err)
	testStorage(t, s)
}

func TestFileStorageStaysInDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := adapter.NewFileStorage(dir + "/inner")
	gt.NoError(t, err)

	w, err := s.Put(ctx, "../escape.json")
	gt.NoError(t, err)
	gt.NoError(t, w.Close())

	_, err = os.Stat(dir + "/escape.json")
	gt.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(dir + "/inner/escape.json")
	gt.NoError(t, err)
}

func TestFileStorageCanceledPutKeepsPreviousObject(t *testing.T) {
	dir := t.TempDir()
	s, err := adapter.NewFileStorage(dir)
	gt.NoError(t, err)

	w, err := s.Put(context.Background(), "state.json")
	gt.NoError(t, err)
	_, err = w.Write([]byte(`{"visible":["a"]}`))
	gt.NoError(t, err)
	gt.NoError(t, w.Close())

	ctx, cancel := context.WithCancel(context.Background())
	w, err = s.Put(ctx, "state.json")
	gt.NoError(t, err)
	_, err = w.Write([]byte(`{"visi`))
	gt.NoError(t, err)
	cancel()
	gt.Error(t, w.Close())

	r, err := s.Get(context.Background(), "state.json")
	gt.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	gt.NoError(t, err)
	gt.Equal(t, string(data), `{"visible":["a"]}`)

	entries, err := os.ReadDir(dir)
	gt.NoError(t, err)
	gt.A(t, entries).Length(1)
}

func TestFileStorageCanceledPutLeavesNothing(t *testing.T) {
	s, err := adapter.NewFileStorage(t.TempDir())
	gt.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := s.Put(ctx, "partial.json")
	gt.NoError(t, err)
	_, err = w.Write([]byte(`{"vis`))
	gt.NoError(t, err)
	cancel()
	gt.Error(t, w.Close())

	_, err = s.Get(context.Background(), "partial.json")
	gt.True(t, errors.Is(err, adapter.ErrObjectNotFound))
}

func TestCloudStorage(t *testing.T) {
	bucket := os.Getenv("TEST_STORAGE_BUCKET")
	if bucket == "" {
		t.Skip("TEST_STORAGE_BUCKET is not set")
	}

	s, err := adapter.NewStorage(context.Background(), bucket, adapter.WithPrefix("memoria-test/"))
	gt.NoError(t, err)
	testStorage(t, s)
}
