// Package minio stores memory backups in MinIO and other S3-compatible
// object stores (Ceph, SeaweedFS, Garage) through the MinIO client.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "backups", "memories/")
//	info, err := mem.Backup(ctx, store, "nightly")
//
// Uploads stream with an unknown length, so a backup never has to be
// staged on local disk first.
package minio
