// Backups are plain copies, so any blobstore.Store can hold them:
//
//	store := blobstore.NewLocalStore("/var/backups/memvault")
//	d, err := backup.Write(ctx, store, "nightly", mem.File(), mem.Size(), backup.Descriptor{}, backup.Options{})
//
// Restore refuses to overwrite an existing file and checks the digest
// before the restored file becomes visible.
package backup
