package minio

import (
	"bytes"
	"context"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memvault/blobstore"
)

const (
	contentTypeImage      = "application/octet-stream"
	contentTypeDescriptor = "application/json"
)

// Store keeps backup images and descriptors as objects below a prefix.
type Store struct {
	client   *minio.Client
	bucket   string
	prefix   string
	partSize uint64
}

var _ blobstore.Store = (*Store)(nil)

// Option configures NewStore.
type Option func(*Store)

// WithPartSize sets the multipart part size of streamed images. Images
// are streamed with an unknown length, so the part size bounds the
// largest image at 10000 parts.
func WithPartSize(n uint64) Option {
	return func(s *Store) { s.partSize = n }
}

// NewStore returns a store writing below prefix in bucket.
func NewStore(client *minio.Client, bucket, prefix string, optFns ...Option) *Store {
	s := &Store{client: client, bucket: bucket, prefix: prefix, partSize: 16 << 20}
	for _, fn := range optFns {
		fn(s)
	}
	return s
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil || ok {
		return err
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
}

func (s *Store) key(name string) string {
	k := path.Join(s.prefix, name)
	if strings.HasSuffix(name, "/") {
		k += "/"
	}
	return k
}

func contentType(name string) string {
	if path.Ext(name) == ".json" {
		return contentTypeDescriptor
	}
	return contentTypeImage
}

func missing(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

// Open stats the object. Reads are pinned to the ETag seen here, so an
// image replaced during a restore fails instead of mixing generations.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if missing(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return &object{store: s, key: key, etag: info.ETag, size: info.Size}, nil
}

// Put writes a small object, usually a descriptor or the CURRENT pointer.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(name), SendContentMd5: true})
	return err
}

// Create streams an image of unknown length. The object appears on Close.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	key := s.key(name)
	g.Go(func() error {
		_, err := s.client.PutObject(gctx, s.bucket, key, pr, -1, minio.PutObjectOptions{
			ContentType: contentType(name),
			PartSize:    s.partSize,
		})
		_ = pr.CloseWithError(err)
		return err
	})
	return &stream{pw: pw, g: g, cancel: cancel}, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{}); err != nil && !missing(err) {
		return err
	}
	return nil
}

// List returns the sorted names below prefix, relative to the store prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.key(prefix), Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if name := strings.TrimLeft(strings.TrimPrefix(obj.Key, s.prefix), "/"); name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

type object struct {
	store *Store
	key   string
	etag  string
	size  int64
}

func (o *object) Size() int64 { return o.size }

func (o *object) Close() error { return nil }

func (o *object) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if length <= 0 || off >= o.size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	var opts minio.GetObjectOptions
	if err := opts.SetRange(off, min(off+length, o.size)-1); err != nil {
		return nil, err
	}
	if o.etag != "" {
		if err := opts.SetMatchETag(o.etag); err != nil {
			return nil, err
		}
	}
	return o.store.client.GetObject(ctx, o.store.bucket, o.key, opts)
}

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= o.size {
		return 0, io.EOF
	}
	rc, err := o.ReadRange(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, p[:min(int64(len(p)), o.size-off)])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// stream is the writable side of Create.
type stream struct {
	pw     *io.PipeWriter
	g      *errgroup.Group
	cancel context.CancelFunc

	done atomic.Bool
	once sync.Once
	err  error
}

func (w *stream) Write(p []byte) (int, error) {
	if w.done.Load() {
		return 0, io.ErrClosedPipe
	}
	return w.pw.Write(p)
}

func (w *stream) Sync() error { return nil }

func (w *stream) Close() error {
	w.finish(func() error {
		_ = w.pw.Close()
		return w.g.Wait()
	})
	return w.err
}

// Abort stops the upload without creating the object.
func (w *stream) Abort() error {
	w.finish(func() error {
		_ = w.pw.CloseWithError(context.Canceled)
		w.cancel()
		_ = w.g.Wait()
		return context.Canceled
	})
	return nil
}

func (w *stream) finish(fn func() error) {
	w.once.Do(func() {
		w.done.Store(true)
		w.err = fn()
		w.cancel()
	})
}
