package s3

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memvault/internal/hash"
)

// Uploads tunes how backup images and descriptors are written.
type Uploads struct {
	// PartSize is the multipart part size. Zero keeps the SDK default.
	PartSize int64
	// Concurrency is the number of parts in flight. Zero keeps the SDK default.
	Concurrency int
	// Checksum asks S3 to verify CRC32C on every part and object.
	Checksum bool
	// KeepPartsOnFailure skips AbortMultipartUpload after a failed upload.
	KeepPartsOnFailure bool
}

// DefaultUploads returns the settings used by NewStore.
func DefaultUploads() Uploads {
	return Uploads{PartSize: 16 << 20, Concurrency: 4, Checksum: true}
}

func (u Uploads) uploader(client Client) *manager.Uploader {
	return manager.NewUploader(client, func(m *manager.Uploader) {
		if u.PartSize > 0 {
			m.PartSize = u.PartSize
		}
		if u.Concurrency > 0 {
			m.Concurrency = u.Concurrency
		}
		m.LeavePartsOnError = u.KeepPartsOnFailure
	})
}

func (u Uploads) streamInput(bucket, key string, body io.Reader) *s3.PutObjectInput {
	in := &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: body}
	if u.Checksum {
		in.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	return in
}

func (u Uploads) putInput(bucket, key string, data []byte) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if u.Checksum {
		in.ChecksumCRC32C = aws.String(hash.CRC32CBase64(data))
	}
	return in
}

// upload feeds writes through a pipe into a multipart upload running in
// the background. The object exists only after Close returns nil.
type upload struct {
	pw     *io.PipeWriter
	g      *errgroup.Group
	cancel context.CancelFunc

	done atomic.Bool
	once sync.Once
	err  error
}

func startUpload(ctx context.Context, client Client, u Uploads, bucket, key string) *upload {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := u.uploader(client).Upload(gctx, u.streamInput(bucket, key, pr))
		// Unblock a writer stuck on a failed upload.
		_ = pr.CloseWithError(err)
		return err
	})
	return &upload{pw: pw, g: g, cancel: cancel}
}

func (w *upload) Write(p []byte) (int, error) {
	if w.done.Load() {
		return 0, io.ErrClosedPipe
	}
	return w.pw.Write(p)
}

// Sync is a no-op; nothing is visible before Close.
func (w *upload) Sync() error { return nil }

// Close ends the stream and waits for the upload to complete.
func (w *upload) Close() error {
	w.finish(func() error {
		_ = w.pw.Close()
		return w.g.Wait()
	})
	return w.err
}

// Abort cancels the upload. The uploader removes uploaded parts unless
// KeepPartsOnFailure is set.
func (w *upload) Abort() error {
	w.finish(func() error {
		_ = w.pw.CloseWithError(context.Canceled)
		w.cancel()
		_ = w.g.Wait()
		return context.Canceled
	})
	return nil
}

func (w *upload) finish(fn func() error) {
	w.once.Do(func() {
		w.done.Store(true)
		w.err = fn()
		w.cancel()
	})
}
