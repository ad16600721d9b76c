package s3

import (
	"context"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hupe1980/memvault/blobstore"
)

// Store implements blobstore.Store for S3.
type Store struct {
	client Client
	bucket string
	prefix string
	upload Uploads
}

var _ blobstore.Store = (*Store)(nil)

// Option configures New.
type Option func(*options)

type options struct {
	prefix   string
	region   string
	endpoint string
	upload   Uploads
}

// WithPrefix prepends prefix to every key.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithRegion overrides the region from the default AWS configuration.
func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithEndpoint targets an S3-compatible endpoint using path-style
// addressing.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithUploads replaces DefaultUploads.
func WithUploads(u Uploads) Option {
	return func(o *options) { o.upload = u }
}

// New creates a store for bucket from the default AWS configuration chain.
func New(ctx context.Context, bucket string, optFns ...Option) (*Store, error) {
	o := options{upload: DefaultUploads()}
	for _, fn := range optFns {
		fn(&o)
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = true
		}
	})
	s := NewStore(client, bucket, o.prefix)
	s.upload = o.upload
	return s, nil
}

// NewStore creates a new S3 blob store.
// rootPrefix is prepended to all keys (e.g. "memories/").
func NewStore(client Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
		upload: DefaultUploads(),
	}
}

func (s *Store) key(name string) string {
	k := path.Join(s.prefix, name)
	if strings.HasSuffix(name, "/") {
		k += "/"
	}
	return k
}

// Open opens a blob for range reads.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	return headObject(ctx, s.client, s.bucket, s.key(name))
}

// Create starts a streaming multipart upload. The object appears when the
// blob is closed.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return startUpload(ctx, s.client, s.upload, s.bucket, s.key(name)), nil
}

// Put uploads a small blob in one request.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.upload.putInput(s.bucket, s.key(name), data))
	return err
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// List returns the names below prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	return listKeys(ctx, s.client, s.bucket, s.key(prefix), s.prefix)
}
