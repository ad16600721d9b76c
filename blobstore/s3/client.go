package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/memvault/blobstore"
)

// Client is the part of the S3 API a Store calls. *s3.Client satisfies it.
type Client interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ Client = (*s3.Client)(nil)

func isNotFound(err error) bool {
	var (
		nf  *types.NotFound
		nsk *types.NoSuchKey
	)
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// object serves range reads of one backup object. Reads carry the ETag
// seen by HeadObject, so an object replaced mid-restore fails with a
// precondition error instead of mixing two images.
type object struct {
	client Client
	bucket string
	key    string
	etag   string
	size   int64
}

func headObject(ctx context.Context, client Client, bucket, key string) (*object, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if isNotFound(err) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &object{
		client: client,
		bucket: bucket,
		key:    key,
		etag:   aws.ToString(head.ETag),
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

func (o *object) Size() int64 { return o.size }

func (o *object) Close() error { return nil }

// ReadRange returns [off, off+length) clipped to the object.
func (o *object) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if length <= 0 || off >= o.size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, min(off+length, o.size)-1)),
	}
	if o.etag != "" {
		in.IfMatch = aws.String(o.etag)
	}
	out, err := o.client.GetObject(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= o.size {
		return 0, io.EOF
	}
	body, err := o.ReadRange(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	n, err := io.ReadFull(body, p[:min(int64(len(p)), o.size-off)])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// listKeys pages through the keys below prefix and returns them relative
// to root, sorted.
func listKeys(ctx context.Context, client Client, bucket, prefix, root string) ([]string, error) {
	var names []string
	pages := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if root != "" {
				name = strings.TrimLeft(strings.TrimPrefix(name, root), "/")
			}
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}
