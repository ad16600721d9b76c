package memvault

import (
	"context"

	"github.com/hupe1980/memvault/backup"
	"github.com/hupe1980/memvault/blobstore"
	"github.com/hupe1980/memvault/doctor"
	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/manifest"
	"github.com/hupe1980/memvault/ticket"
)

// LibraryVersion is the version of this package.
const LibraryVersion = "0.4.0"

// VersionInfo identifies the library and the file format it writes.
type VersionInfo struct {
	Library       string
	FormatVersion uint16
}

// Version returns the library and format versions.
func Version() VersionInfo {
	return VersionInfo{Library: LibraryVersion, FormatVersion: manifest.FormatVersion}
}

// Features returns the indexes enabled in the memory.
func (m *Memory) Features() Features {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.TOC().Features
}

// Verification and repair types.
type (
	VerifyReport  = doctor.Report
	Finding       = doctor.Finding
	DoctorOptions = doctor.DoctorOptions
	DoctorReport  = doctor.DoctorReport
)

// Verify checks the memory file at path without modifying it. A deep
// verification also replays the WAL, checks every frame and compares each
// index with a fresh rebuild. Verify fails with Locked while a writer has
// the file open.
func Verify(ctx context.Context, path string, deep bool, optFns ...Option) (*VerifyReport, error) {
	o := applyOptions(optFns)
	return doctor.Verify(ctx, path, doctor.Options{
		Deep:      deep,
		Resources: o.resources,
		Logger:    o.logger.Logger,
	})
}

// Doctor repairs the memory file at path. See doctor.Doctor.
func Doctor(ctx context.Context, path string, opts DoctorOptions, optFns ...Option) (*DoctorReport, error) {
	o := applyOptions(optFns)
	if opts.Logger == nil {
		opts.Logger = o.logger.Logger
	}
	if opts.Resources == nil {
		opts.Resources = o.resources
	}
	rep, err := doctor.Doctor(ctx, path, opts)
	status := ""
	actions := 0
	if rep != nil {
		status, actions = string(rep.Status), len(rep.Plan)
	}
	if errcode.Has(err, errcode.DoctorNoOp) {
		o.logger.LogDoctor(ctx, status, actions, nil)
	} else {
		o.logger.LogDoctor(ctx, status, actions, err)
	}
	return rep, err
}

// BindTicket validates t and binds it to the memory. The binding is
// durable when BindTicket returns.
func (m *Memory) BindTicket(ctx context.Context, t ticket.Ticket) (ticket.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("bind ticket"); err != nil {
		return ticket.Binding{}, err
	}
	b, err := m.store.Bind(t)
	if err != nil {
		return ticket.Binding{}, err
	}
	if err := m.store.Commit(); err != nil {
		return ticket.Binding{}, err
	}
	m.logger.InfoContext(ctx, "ticket bound", "tier", b.Tier, "seq", b.Seq)
	return b, nil
}

// Binding returns the current ticket binding.
func (m *Memory) Binding() ticket.Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Gatekeeper().Binding()
}

// Backup copies the memory into store under name and makes it the
// store's current backup. The memory must be sealed and bound to a ticket.
func (m *Memory) Backup(ctx context.Context, store blobstore.Store, name string) (*backup.Descriptor, error) {
	const op = "backup"
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}
	if err := m.store.Gatekeeper().RequireTicket(op); err != nil {
		return nil, err
	}
	if !m.store.State().Sealed() {
		return nil, errcode.New(errcode.RequiresSealed, op, "seal the memory before backing it up")
	}

	size, err := m.store.Size()
	if err != nil {
		return nil, err
	}
	return backup.Write(ctx, store, name, m.store.File(), size, backup.Descriptor{
		MemoryID:   m.store.Header().MemoryID.String(),
		Generation: m.store.TOC().Generation,
		Frames:     m.store.State().Len(),
	}, backup.Options{Resources: m.opts.resources, Logger: m.logger.Logger})
}

// Restore writes the backup called name from store to a new file at path,
// or the current backup when name is empty. The restored file is verified
// deeply before it appears at path.
func Restore(ctx context.Context, store blobstore.Store, name, path string, optFns ...Option) (*backup.Descriptor, error) {
	o := applyOptions(optFns)
	return backup.Restore(ctx, store, name, path, backup.Options{
		Resources: o.resources,
		Logger:    o.logger.Logger,
		Verify: func(ctx context.Context, p string) error {
			rep, err := doctor.Verify(ctx, p, doctor.Options{Deep: true, Resources: o.resources, Logger: o.logger.Logger})
			if err != nil {
				return err
			}
			if fatal := rep.Fatal(); len(fatal) > 0 {
				return errcode.Newf(errcode.ChecksumMismatch, "restore", "restored file fails verification: %s", fatal[0])
			}
			return nil
		},
	})
}
