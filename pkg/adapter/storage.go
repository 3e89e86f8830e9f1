package adapter

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// ErrObjectNotFound is returned by Storage.Get for a missing key
var ErrObjectNotFound = goerr.New("object not found")

// Storage is the interface for snapshot archive storage
type Storage interface {
	// Put returns a writer that saves an object under key when closed.
	// Canceling ctx before Close discards the object.
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	// Get opens the object stored under key
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// storageClient implements Storage interface using Cloud Storage
type storageClient struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

type StorageOption func(*storageClient)

// WithPrefix places every object under the given key prefix
func WithPrefix(prefix string) StorageOption {
	return func(s *storageClient) {
		s.prefix = prefix
	}
}

// NewStorage creates a new Cloud Storage client
func NewStorage(ctx context.Context, bucketName string, opts ...StorageOption) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	s := &storageClient{
		bucketName: bucketName,
		client:     client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *storageClient) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.prefix + key)
}

func (s *storageClient) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = "application/json"
	return writer, nil
}

func (s *storageClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, goerr.Wrap(ErrObjectNotFound, "failed to read from storage", goerr.V("key", key))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("key", key))
	}

	return reader, nil
}

// fileStorage implements Storage on a local directory
type fileStorage struct {
	dir string
}

// NewFileStorage creates a Storage that keeps objects as files under dir
func NewFileStorage(dir string) (Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create storage directory", goerr.V("dir", dir))
	}
	return &fileStorage{dir: dir}, nil
}

func (s *fileStorage) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(filepath.Clean("/"+key)))
}

func (s *fileStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create object directory", goerr.V("key", key))
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create object file", goerr.V("key", key))
	}
	return &fileWriter{ctx: ctx, file: f, path: path, key: key}, nil
}

// fileWriter writes into a temporary file and moves it in place on Close
type fileWriter struct {
	ctx  context.Context
	file *os.File
	path string
	key  string
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, goerr.Wrap(err, "object write canceled", goerr.V("key", w.key))
	}
	return w.file.Write(p)
}

func (w *fileWriter) Close() error {
	tmp := w.file.Name()
	if err := w.file.Close(); err != nil {
		_ = os.Remove(tmp)
		return goerr.Wrap(err, "failed to close object file", goerr.V("key", w.key))
	}
	if err := w.ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return goerr.Wrap(err, "object write canceled", goerr.V("key", w.key))
	}
	if err := os.Rename(tmp, w.path); err != nil {
		_ = os.Remove(tmp)
		return goerr.Wrap(err, "failed to move object file in place", goerr.V("key", w.key))
	}
	return nil
}

func (s *fileStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, goerr.Wrap(ErrObjectNotFound, "failed to read from storage", goerr.V("key", key))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open object file", goerr.V("key", key))
	}
	return f, nil
}
