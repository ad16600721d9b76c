// Package blobstore provides the storage abstraction used for memory backups.
//
// A backup is a byte-for-byte copy of a memory file plus a small JSON
// descriptor. Both are written through a Store; the CURRENT blob names the
// descriptor of the newest backup.
//
// # Built-in Implementations
//
//   - LocalStore: local directory, reads are memory-mapped
//   - MemoryStore: in-process map, for tests
//   - s3.Store: Amazon S3 with multipart uploads and range reads
//   - s3.CatalogStore: S3 plus a DynamoDB table that commits CURRENT atomically
//   - minio.Store: MinIO and other S3-compatible servers
//
// # Custom Implementations
//
// Implement the Store interface to support other backends:
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
