// Package s3 stores memory backups in Amazon S3.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("memories/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	info, err := mem.Backup(ctx, store, "nightly")
//
// Several hosts backing up into one prefix should wrap the store in a
// CatalogStore, which commits the CURRENT pointer through a DynamoDB
// conditional write instead of a plain overwrite.
//
// # Features
//
//   - Range reads for restores
//   - Multipart uploads with CRC32C checksums
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
