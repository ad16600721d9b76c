package doctor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/internal/fs"
	"github.com/hupe1980/memvault/internal/manifest"
	"github.com/hupe1980/memvault/internal/mmap"
	"github.com/hupe1980/memvault/internal/store"
	"github.com/hupe1980/memvault/internal/wal"
	"github.com/hupe1980/memvault/resource"
)

// Check names.
const (
	CheckHeader    = "header"
	CheckTOC       = "toc"
	CheckRegions   = "regions"
	CheckAuxiliary = "auxiliary_files"
	CheckFrames    = "frames"
	CheckIndexes   = "indexes"
	CheckWAL       = "wal"
)

// AuxiliarySuffixes are appended to a memory path to name the files that
// must not exist beside it.
var AuxiliarySuffixes = []string{"-wal", "-shm", ".lock", ".tmp", ".vacuum", ".journal"}

// Options configures Verify.
type Options struct {
	// Deep additionally replays the WAL, verifies every frame and compares
	// each index with a rebuild from the frame table.
	Deep bool

	// Resources bounds the number of indexes compared concurrently.
	Resources *resource.Controller

	Logger *slog.Logger
}

// Verify inspects the memory file at path without modifying it. It takes a
// shared lock, so it fails with Locked while a writer has the file open.
//
// Problems with the file are reported as findings; the returned error is
// reserved for failures to perform the verification itself.
func Verify(ctx context.Context, path string, opts Options) (*Report, error) {
	const op = "verify"
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	defer f.Close()

	if err := fs.Lock(f, fs.LockShared); err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, errcode.Wrap(errcode.Locked, op, err)
		}
		return nil, errcode.Wrap(errcode.Lock, op, err)
	}
	defer func() { _ = fs.Unlock(f) }()

	m, err := mmap.Map(f)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	defer m.Close()

	v := &verifier{
		path:   path,
		m:      m,
		size:   m.Size(),
		opts:   opts,
		rep:    &Report{Path: path, Deep: opts.Deep},
		bad:    make(map[manifest.Kind]bool),
		logger: opts.Logger,
	}
	if err := v.run(ctx); err != nil {
		return nil, err
	}
	v.rep.finish()

	opts.Logger.Info("verify finished", "path", path, "deep", opts.Deep,
		"status", v.rep.Status, "findings", len(v.rep.Findings))
	return v.rep, nil
}

type verifier struct {
	path   string
	m      *mmap.Mapping
	size   int64
	opts   Options
	rep    *Report
	logger *slog.Logger

	toc    *manifest.TOC
	bad    map[manifest.Kind]bool
	frames []*frame.Frame
}

func (v *verifier) run(ctx context.Context) error {
	v.checkAuxiliary()
	if !v.checkHeader() || !v.checkTOC() {
		v.skip(CheckRegions)
		if v.opts.Deep {
			v.skip(CheckFrames, CheckIndexes, CheckWAL)
		}
		return nil
	}
	v.checkRegions()
	if !v.opts.Deep {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	badFrames, ok := v.checkFrames()
	if !ok {
		v.skip(CheckIndexes, CheckWAL)
		return nil
	}

	var rebuilt *index.Set
	if len(badFrames) == 0 {
		var err error
		if rebuilt, err = v.checkIndexes(ctx); err != nil {
			return err
		}
	} else {
		v.rep.check(CheckIndexes, CheckSkipped, "frame table has unreadable frames")
	}

	recoverable, err := v.checkWAL(rebuilt)
	if err != nil {
		return err
	}

	for _, b := range badFrames {
		sev := Fatal
		if recoverable[b.ID] {
			sev = Repairable
		}
		v.rep.find(Finding{
			Check:    CheckFrames,
			Severity: sev,
			Code:     errcode.ChecksumMismatch,
			Region:   manifest.KindFrames.String(),
			Message:  fmt.Sprintf("frame %d: %v", b.ID, b.Err),
		})
	}
	return nil
}

func (v *verifier) skip(names ...string) {
	for _, n := range names {
		v.rep.check(n, CheckSkipped, "earlier check failed")
	}
}

func (v *verifier) checkHeader() bool {
	h, err := store.ReadHeader(v.m)
	if err != nil {
		v.rep.check(CheckHeader, CheckFailed, err.Error())
		v.rep.find(Finding{Check: CheckHeader, Severity: Fatal, Code: errcode.Of(err), Message: err.Error()})
		return false
	}
	v.rep.check(CheckHeader, CheckPassed, fmt.Sprintf("version %d, memory %s", h.Version, h.MemoryID))
	return true
}

func (v *verifier) checkTOC() bool {
	_, states := manifest.ReadSlots(v.m)
	for _, st := range states {
		if st.Err == nil || v.m.IsZero(st.Offset, manifest.SlotSize) {
			continue
		}
		v.rep.find(Finding{
			Check:    CheckTOC,
			Severity: Repairable,
			Code:     errcode.InvalidTOC,
			Message:  fmt.Sprintf("slot at offset %d unreadable: %v", st.Offset, st.Err),
		})
	}

	toc, fallback, err := store.SelectTOC(v.m, v.size)
	if err != nil {
		v.rep.check(CheckTOC, CheckFailed, err.Error())
		v.rep.find(Finding{Check: CheckTOC, Severity: Fatal, Code: errcode.Of(err), Message: err.Error()})
		return false
	}
	if fallback {
		v.rep.find(Finding{
			Check:    CheckTOC,
			Severity: Repairable,
			Code:     errcode.InvalidTOC,
			Message:  fmt.Sprintf("newest slot failed validation, generation %d in use", toc.Generation),
		})
	}
	v.toc = toc
	v.rep.Generation = toc.Generation
	v.rep.Frames = int(toc.NextFrameID)
	v.rep.check(CheckTOC, CheckPassed, fmt.Sprintf("generation %d, %d entries, features %s",
		toc.Generation, len(toc.Entries), toc.Features))
	return true
}

func (v *verifier) checkRegions() {
	checked := 0
	for _, e := range v.toc.Entries {
		if e.Kind == manifest.KindWAL {
			continue
		}
		checked++
		b, err := v.m.Slice(e.Offset, e.Length)
		if err == nil {
			err = manifest.VerifyRegion(b, e)
		}
		if err == nil {
			continue
		}
		v.bad[e.Kind] = true
		sev := Repairable
		if e.Kind == manifest.KindFrames {
			sev = Fatal
		}
		v.rep.find(Finding{
			Check:    CheckRegions,
			Severity: sev,
			Code:     regionCode(e.Kind),
			Region:   e.Kind.String(),
			Message:  err.Error(),
		})
	}
	if len(v.bad) > 0 {
		v.rep.check(CheckRegions, CheckFailed, fmt.Sprintf("%d of %d regions failed their checksum", len(v.bad), checked))
		return
	}
	v.rep.check(CheckRegions, CheckPassed, fmt.Sprintf("%d regions verified", checked))
}

// regionCode is the error code reported for a damaged region of kind k.
func regionCode(k manifest.Kind) errcode.Code {
	switch k {
	case manifest.KindTime:
		return errcode.InvalidTimeIndex
	case manifest.KindMesh:
		return errcode.InvalidLogicMesh
	case manifest.KindSketch:
		return errcode.InvalidSketchTrack
	default:
		return errcode.ChecksumMismatch
	}
}

func (v *verifier) checkAuxiliary() {
	var found []string
	for _, suffix := range AuxiliarySuffixes {
		p := v.path + suffix
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		found = append(found, p)
		v.rep.find(Finding{
			Check:    CheckAuxiliary,
			Severity: Repairable,
			Code:     errcode.AuxiliaryFileDetected,
			Path:     p,
			Message:  "unexpected file beside the memory",
		})
	}
	if len(found) > 0 {
		v.rep.check(CheckAuxiliary, CheckFailed, strings.Join(found, ", "))
		return
	}
	v.rep.check(CheckAuxiliary, CheckPassed, "")
}

// checkFrames decodes the frame table. ok is false when the table cannot
// be read at all.
func (v *verifier) checkFrames() (bad []frame.BadFrame, ok bool) {
	if v.bad[manifest.KindFrames] {
		v.rep.check(CheckFrames, CheckSkipped, "frame table region failed its checksum")
		return nil, false
	}
	frames, bad, err := store.LoadFrames(v.m, v.toc)
	if err != nil {
		v.rep.check(CheckFrames, CheckFailed, err.Error())
		v.rep.find(Finding{Check: CheckFrames, Severity: Fatal, Code: errcode.Of(err),
			Region: manifest.KindFrames.String(), Message: err.Error()})
		return nil, false
	}
	v.frames = frames
	if len(bad) > 0 {
		v.rep.check(CheckFrames, CheckFailed, fmt.Sprintf("%d of %d frames failed verification", len(bad), len(frames)))
		return bad, true
	}
	v.rep.check(CheckFrames, CheckPassed, fmt.Sprintf("%d frames verified", len(frames)))
	return nil, true
}

// checkIndexes compares every enabled index region with a rebuild from the
// frame table, concurrently. It returns the rebuilt indexes.
func (v *verifier) checkIndexes(ctx context.Context) (*index.Set, error) {
	cfg := store.IndexConfig(v.toc)
	loaded, rebuilt := index.NewSet(cfg), index.NewSet(cfg)

	kinds := make([]index.Kind, 0, 6)
	for _, ix := range rebuilt.All() {
		kinds = append(kinds, ix.Kind())
	}
	findings := make([]*Finding, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Resources.Jobs())
	for i, k := range kinds {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			findings[i] = v.compareIndex(loaded.Get(k), rebuilt.Get(k))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var differing []string
	for _, f := range findings {
		if f != nil {
			differing = append(differing, f.Region)
			v.rep.find(*f)
		}
	}
	if len(differing) > 0 {
		v.rep.check(CheckIndexes, CheckFailed, "differs from rebuild: "+strings.Join(differing, ", "))
	} else {
		v.rep.check(CheckIndexes, CheckPassed, fmt.Sprintf("%d indexes match a rebuild", len(kinds)))
	}
	return rebuilt, nil
}

func (v *verifier) compareIndex(loaded, rebuilt index.Index) *Finding {
	kind := manifest.Kind(rebuilt.Kind())
	finding := func(msg string) *Finding {
		return &Finding{Check: CheckIndexes, Severity: Repairable, Code: regionCode(kind), Region: kind.String(), Message: msg}
	}

	if err := index.Rebuild(rebuilt, slices.Values(v.frames)); err != nil {
		return finding("rebuild failed: " + err.Error())
	}
	if v.bad[kind] {
		// Already reported by the region check.
		return nil
	}
	if err := store.LoadIndex(v.m, v.toc, loaded); err != nil {
		return finding("region does not decode: " + err.Error())
	}

	want, err := rebuilt.MarshalBinary()
	if err != nil {
		return finding(err.Error())
	}
	got, err := loaded.MarshalBinary()
	if err != nil {
		return finding(err.Error())
	}
	if !bytes.Equal(want, got) {
		return finding(fmt.Sprintf("index holds %d entries, rebuild holds %d", loaded.Len(), rebuilt.Len()))
	}
	return nil
}

// checkWAL replays the log. With a readable image it applies every record
// to a state over the rebuilt indexes, so records that cannot be applied
// are found too. It returns the frame ids the log can restore.
func (v *verifier) checkWAL(indexes *index.Set) (map[frame.ID]bool, error) {
	puts := make(map[frame.ID]bool)
	apply := func(rec wal.Record) error {
		if rec.Type != wal.RecordPut {
			return nil
		}
		f, err := frame.Decode(rec.Payload)
		if err != nil {
			return err
		}
		puts[f.ID] = true
		return nil
	}
	if indexes != nil {
		st := store.NewState(v.frames, indexes)
		collect := apply
		apply = func(rec wal.Record) error {
			if err := collect(rec); err != nil {
				return err
			}
			return st.Apply(rec)
		}
	}

	res, err := wal.Replay(v.m, v.toc.WALOffset(), v.size, v.toc.CheckpointSeq+1, apply)
	v.rep.WALRecords = res.Records
	v.rep.Frames += len(puts)

	switch {
	case err != nil && errcode.Has(err, errcode.IO):
		return nil, err
	case err != nil && res.Records == 0 && errcode.Has(err, errcode.ManifestWALCorrupted):
		v.rep.check(CheckWAL, CheckFailed, err.Error())
		v.rep.find(Finding{Check: CheckWAL, Severity: Fatal, Code: errcode.ManifestWALCorrupted, Region: manifest.KindWAL.String(), Message: err.Error()})
		return puts, nil
	case err != nil:
		v.rep.check(CheckWAL, CheckFailed, fmt.Sprintf("record at offset %d cannot be applied", res.End))
		v.rep.find(Finding{Check: CheckWAL, Severity: Repairable, Code: errcode.WALCorruption, Region: manifest.KindWAL.String(),
			Message: fmt.Sprintf("record at offset %d cannot be applied: %v", res.End, err)})
		return puts, nil
	}

	details := fmt.Sprintf("%d records, tail %s", res.Records, res.Tail.Kind)
	switch res.Tail.Kind {
	case wal.TailCorrupt:
		v.rep.check(CheckWAL, CheckFailed, details)
		v.rep.find(Finding{Check: CheckWAL, Severity: Repairable, Code: errcode.WALCorruption, Region: manifest.KindWAL.String(),
			Message: fmt.Sprintf("corrupt record at offset %d: %v", res.Tail.Offset, res.Tail.Err)})
		return puts, nil
	case wal.TailTorn:
		v.rep.find(Finding{Check: CheckWAL, Severity: Info, Code: errcode.WALCorruption, Region: manifest.KindWAL.String(),
			Message: fmt.Sprintf("torn record at offset %d is dropped on the next open", res.Tail.Offset)})
	case wal.TailCheckpoint:
		v.rep.find(Finding{Check: CheckWAL, Severity: Info, Code: errcode.CheckpointFailed, Region: manifest.KindWAL.String(),
			Message: fmt.Sprintf("interrupted checkpoint at offset %d is dropped on the next open", res.Tail.Offset)})
	}
	v.rep.check(CheckWAL, CheckPassed, details)
	return puts, nil
}
