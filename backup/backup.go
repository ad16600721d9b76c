// Package backup copies memory files to and from a blobstore.Store.
//
// A backup called name consists of two blobs: name+".mv", the memory file
// byte for byte, and name+".json", its Descriptor. After both are written
// the CURRENT blob is pointed at the descriptor, so a reader never sees a
// descriptor whose data is incomplete.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/memvault/blobstore"
	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/hash"
	"github.com/hupe1980/memvault/resource"
)

const (
	CurrentName       = "CURRENT"
	DescriptorVersion = 1

	dataSuffix       = ".mv"
	descriptorSuffix = ".json"
)

// Descriptor describes one backup.
type Descriptor struct {
	Version    int       `json:"version"`
	Name       string    `json:"name"`
	Data       string    `json:"data"`
	MemoryID   string    `json:"memory_id"`
	Generation uint64    `json:"generation"`
	Frames     int       `json:"frames"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"created_at"`
}

// Options configures Write and Restore.
type Options struct {
	// Resources throttles transfer bandwidth and bounds concurrent
	// transfers.
	Resources *resource.Controller
	Logger    *slog.Logger
	// Verify, when set, is called on the restored file before it is moved
	// into place.
	Verify func(ctx context.Context, path string) error
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// ValidateName rejects names that are empty, absolute or escape the
// store's namespace.
func ValidateName(name string) error {
	switch {
	case name == "", name == CurrentName:
		return errcode.Newf(errcode.InvalidQuery, "backup", "invalid backup name %q", name)
	case strings.HasPrefix(name, "/"), strings.Contains(name, ".."), strings.ContainsAny(name, "\\\x00"):
		return errcode.Newf(errcode.InvalidQuery, "backup", "invalid backup name %q", name)
	}
	return nil
}

// Write streams size bytes of src into store as the backup called name
// and makes it CURRENT. d supplies the memory metadata; Write fills in the
// name, data blob, size, digest and creation time.
func Write(ctx context.Context, store blobstore.Store, name string, src io.ReaderAt, size int64, d Descriptor, opts Options) (*Descriptor, error) {
	const op = "backup"
	opts.defaults()
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	done, err := opts.Resources.StartJob(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	d.Version = DescriptorVersion
	d.Name = name
	d.Data = name + dataSuffix
	d.Size = size
	d.CreatedAt = start.UTC().Truncate(time.Second)

	w, err := store.Create(ctx, d.Data)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	in := opts.Resources.Reader(ctx, io.NewSectionReader(src, 0, size))
	d.Digest, err = hash.Digest(io.TeeReader(in, w))
	if err != nil {
		abort(w)
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	if err := w.Close(); err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}

	raw, err := json.MarshalIndent(&d, "", "  ")
	if err != nil {
		return nil, errcode.Wrap(errcode.Encode, op, err)
	}
	desc := name + descriptorSuffix
	if err := store.Put(ctx, desc, raw); err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	if err := store.Put(ctx, CurrentName, []byte(desc)); err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}

	opts.Logger.Info("backup written", "name", name, "bytes", size, "digest", d.Digest,
		"generation", d.Generation, "duration", time.Since(start))
	return &d, nil
}

func abort(w blobstore.WritableBlob) {
	if a, ok := w.(interface{ Abort() error }); ok {
		_ = a.Abort()
		return
	}
	_ = w.Close()
}

// Load returns the descriptor of the backup called name, or of the
// CURRENT backup when name is empty.
func Load(ctx context.Context, store blobstore.Store, name string) (*Descriptor, error) {
	const op = "load backup"
	desc := name + descriptorSuffix
	if name == "" {
		cur, err := blobstore.ReadAll(ctx, store, CurrentName)
		if err != nil {
			return nil, notFound(op, "no current backup", err)
		}
		desc = strings.TrimSpace(string(cur))
	} else if err := ValidateName(name); err != nil {
		return nil, err
	}

	raw, err := blobstore.ReadAll(ctx, store, desc)
	if err != nil {
		return nil, notFound(op, desc, err)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errcode.Wrapf(errcode.Decode, op, err, "%s", desc)
	}
	if d.Version != DescriptorVersion {
		return nil, errcode.Newf(errcode.Decode, op, "%s: unsupported descriptor version %d", desc, d.Version)
	}
	return &d, nil
}

func notFound(op, what string, err error) error {
	if errors.Is(err, blobstore.ErrNotFound) {
		return errcode.Wrapf(errcode.IO, op, err, "backup %s not found", what)
	}
	return errcode.Wrap(errcode.IO, op, err)
}

// List returns every backup descriptor in store, oldest first.
func List(ctx context.Context, store blobstore.Store) ([]Descriptor, error) {
	names, err := store.List(ctx, "")
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, "list backups", err)
	}
	var out []Descriptor
	for _, n := range names {
		if !strings.HasSuffix(n, descriptorSuffix) {
			continue
		}
		d, err := Load(ctx, store, strings.TrimSuffix(n, descriptorSuffix))
		if err != nil {
			if errcode.Has(err, errcode.Decode) {
				continue
			}
			return nil, err
		}
		out = append(out, *d)
	}
	slices.SortStableFunc(out, func(a, b Descriptor) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Restore writes the backup called name (CURRENT when empty) to path. The
// data is checked against the descriptor's size and digest, and against
// opts.Verify, before it appears at path. Restore never overwrites an
// existing file.
func Restore(ctx context.Context, store blobstore.Store, name, path string, opts Options) (*Descriptor, error) {
	const op = "restore"
	opts.defaults()
	if _, err := os.Lstat(path); err == nil {
		return nil, errcode.Wrapf(errcode.IO, op, os.ErrExist, "%s", path)
	}

	d, err := Load(ctx, store, name)
	if err != nil {
		return nil, err
	}
	done, err := opts.Resources.StartJob(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	blob, err := store.Open(ctx, d.Data)
	if err != nil {
		return nil, notFound(op, d.Data, err)
	}
	defer blob.Close()
	if blob.Size() != d.Size {
		return nil, errcode.Newf(errcode.ChecksumMismatch, op, "%s holds %d bytes, descriptor says %d", d.Data, blob.Size(), d.Size)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".restore-*")
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := copyVerified(ctx, blob, tmp, d, opts.Resources); err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	if opts.Verify != nil {
		if err := opts.Verify(ctx, tmp.Name()); err != nil {
			return nil, err
		}
	}
	// Link fails if path appeared in the meantime, unlike rename.
	if err := os.Link(tmp.Name(), path); err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	_ = os.Remove(tmp.Name())
	keep = true

	opts.Logger.Info("backup restored", "name", d.Name, "path", path, "bytes", d.Size)
	return d, nil
}

func copyVerified(ctx context.Context, blob blobstore.Blob, dst io.Writer, d *Descriptor, rc *resource.Controller) error {
	const op = "restore"
	r, err := blob.ReadRange(ctx, 0, d.Size)
	if err != nil {
		return errcode.Wrap(errcode.IO, op, err)
	}
	defer r.Close()

	in := rc.Reader(ctx, r)
	digest, err := hash.Digest(io.TeeReader(in, dst))
	if err != nil {
		return errcode.Wrap(errcode.IO, op, err)
	}
	if in.Count() != d.Size {
		return errcode.Newf(errcode.ChecksumMismatch, op, "read %d bytes of %d", in.Count(), d.Size)
	}
	if digest != d.Digest {
		return errcode.Newf(errcode.ChecksumMismatch, op, "digest %s does not match %s", digest, d.Digest)
	}
	return nil
}

// String renders d for logs and the CLI.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (generation %d, %d frames, %d bytes, %s)",
		d.Name, d.Generation, d.Frames, d.Size, d.CreatedAt.Format(time.RFC3339))
}
