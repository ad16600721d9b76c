// Package memvault is a single-file, embeddable memory store for AI-agent
// context.
//
// A memory holds frames: units of content with metadata, optionally
// compressed, indexed by a lexical (BM25) index, exact vector and image
// embedding indexes, a time index, a logic mesh of extracted triplets and a
// simhash sketch track. Everything lives in one file guarded by an
// advisory lock.
//
// # Quick Start
//
//	mem, err := memvault.Create("agent.mv", memvault.WithIndexes(memvault.IndexConfig{
//	    Lex: true, Vec: true, VecDim: 384, Time: true,
//	}))
//	if err != nil {
//	    return err
//	}
//	defer mem.Close()
//
//	id, err := mem.Put(ctx, []byte("the quick brown fox"), memvault.PutOptions{
//	    URI:   "mv://notes/fox",
//	    Track: "notes",
//	    Dedup: true,
//	})
//	err = mem.Commit(ctx) // durable after this
//
//	resp, err := mem.Search(ctx, memvault.SearchRequest{Query: "fox", TopK: 5})
//
// # Durability Model
//
// Mutations are appended to a write-ahead log inside the file and applied
// in memory at once. Commit fsyncs the log and, per the checkpoint policy,
// folds it into fresh regions and switches the table of contents with a
// single checksummed slot write. A crash at any point leaves the file
// described by the last committed generation plus the valid WAL prefix.
//
// # Integrity
//
// Verify checks a closed file, shallowly or deeply; Doctor repairs what can
// be repaired without losing frames. Backup and Restore copy sealed
// memories to any blobstore.Store, such as S3 or MinIO.
package memvault
