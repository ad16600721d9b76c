package doctor

import (
	"context"
	"log/slog"
	"slices"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/internal/fs"
	"github.com/hupe1980/memvault/internal/store"
	"github.com/hupe1980/memvault/resource"
)

// ActionKind names one repair step.
type ActionKind string

const (
	ActionRebuildIndex    ActionKind = "rebuild_index"
	ActionTruncateWAL     ActionKind = "truncate_wal"
	ActionRewriteTOC      ActionKind = "rewrite_toc"
	ActionVacuum          ActionKind = "vacuum"
	ActionRemoveAuxiliary ActionKind = "remove_auxiliary"
)

// Action is one planned repair step.
type Action struct {
	Kind ActionKind
	// Index is set for rebuild_index.
	Index index.Kind
	// Path is set for remove_auxiliary.
	Path string
}

// DoctorStatus is the outcome of Doctor.
type DoctorStatus string

const (
	// DoctorClean means there was nothing to repair.
	DoctorClean DoctorStatus = "clean"
	// DoctorHealed means every repair succeeded and the file now verifies.
	DoctorHealed DoctorStatus = "healed"
	// DoctorPartial means repairs ran but findings remain.
	DoctorPartial DoctorStatus = "partial"
	// DoctorFailed means the file cannot be repaired without losing frames.
	DoctorFailed DoctorStatus = "failed"
	// DoctorPlanOnly is returned for a dry run.
	DoctorPlanOnly DoctorStatus = "plan_only"
)

// DoctorOptions configures Doctor.
type DoctorOptions struct {
	// RebuildIndexes forces a rebuild of the listed indexes even when
	// they verify.
	RebuildIndexes []index.Kind
	// Vacuum rewrites the image, dropping space left by earlier generations.
	Vacuum bool
	// RemoveAuxiliary deletes auxiliary files found beside the memory.
	// Without it they are only reported.
	RemoveAuxiliary bool
	// DryRun computes the plan without touching the file.
	DryRun bool

	FS        fs.FileSystem
	Resources *resource.Controller
	Logger    *slog.Logger
}

// DoctorReport is the result of Doctor.
type DoctorReport struct {
	Status DoctorStatus
	Plan   []Action
	// Before is the deep verification that produced the plan.
	Before *Report
	// After is set once repairs have run.
	After *Report
}

// Doctor verifies the memory at path and repairs what can be repaired
// without losing committed frames. It needs exclusive access to the file.
//
// A file with fatal findings is left untouched and an error with code
// Doctor is returned alongside the report. A file with nothing to repair
// returns DoctorNoOp.
func Doctor(ctx context.Context, path string, opts DoctorOptions) (*DoctorReport, error) {
	const op = "doctor"
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	before, err := Verify(ctx, path, Options{Deep: true, Resources: opts.Resources, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	rep := &DoctorReport{Before: before}

	if fatal := before.Fatal(); len(fatal) > 0 {
		rep.Status = DoctorFailed
		return rep, errcode.Newf(errcode.Doctor, op, "%d fatal findings, first: %s", len(fatal), fatal[0])
	}

	rep.Plan = plan(before, opts)
	if len(rep.Plan) == 0 {
		rep.Status = DoctorClean
		return rep, errcode.New(errcode.DoctorNoOp, op, "nothing to repair")
	}
	if opts.DryRun {
		rep.Status = DoctorPlanOnly
		return rep, nil
	}

	if err := apply(path, rep.Plan, opts); err != nil {
		rep.Status = DoctorFailed
		return rep, errcode.Wrap(errcode.Doctor, op, err)
	}

	after, err := Verify(ctx, path, Options{Deep: true, Resources: opts.Resources, Logger: opts.Logger})
	if err != nil {
		return rep, err
	}
	rep.After = after

	switch after.Status {
	case StatusPassed:
		rep.Status = DoctorHealed
	case StatusDegraded:
		rep.Status = DoctorPartial
	default:
		rep.Status = DoctorFailed
		return rep, errcode.New(errcode.Doctor, op, "file fails verification after repair")
	}
	opts.Logger.Info("doctor finished", "path", path, "status", rep.Status, "actions", len(rep.Plan))
	return rep, nil
}

// plan derives repair actions from the repairable findings of a deep
// verification plus the forced actions of opts.
func plan(r *Report, opts DoctorOptions) []Action {
	var actions []Action
	add := func(a Action) {
		if !slices.Contains(actions, a) {
			actions = append(actions, a)
		}
	}

	for _, f := range r.Findings {
		if f.Severity != Repairable {
			continue
		}
		switch f.Check {
		case CheckAuxiliary:
			if opts.RemoveAuxiliary {
				add(Action{Kind: ActionRemoveAuxiliary, Path: f.Path})
			}
		case CheckTOC:
			add(Action{Kind: ActionRewriteTOC})
		case CheckWAL:
			add(Action{Kind: ActionTruncateWAL})
		case CheckRegions, CheckIndexes:
			if k, err := index.ParseKind(f.Region); err == nil {
				add(Action{Kind: ActionRebuildIndex, Index: k})
			}
		}
	}
	for _, k := range opts.RebuildIndexes {
		add(Action{Kind: ActionRebuildIndex, Index: k})
	}
	if opts.Vacuum {
		add(Action{Kind: ActionVacuum})
	}
	return actions
}

func apply(path string, actions []Action, opts DoctorOptions) error {
	cfg := store.Config{FS: opts.FS, Logger: opts.Logger}
	rewrite := false
	for _, a := range actions {
		switch a.Kind {
		case ActionRemoveAuxiliary:
			if err := opts.FS.Remove(a.Path); err != nil {
				return errcode.Wrap(errcode.IO, "remove auxiliary file", err)
			}
			opts.Logger.Info("auxiliary file removed", "path", a.Path)
		case ActionRebuildIndex:
			cfg.Rebuild = append(cfg.Rebuild, a.Index)
			rewrite = true
		case ActionTruncateWAL:
			cfg.TruncateCorruptTail = true
			rewrite = true
		case ActionRewriteTOC, ActionVacuum:
			rewrite = true
		}
	}
	if !rewrite {
		return nil
	}

	s, err := store.Open(path, cfg)
	if err != nil {
		return err
	}
	if err := s.Compact(); err != nil {
		_ = s.Close()
		return err
	}
	opts.Logger.Info("memory rewritten", "path", path, "generation", s.TOC().Generation,
		"rebuilt", cfg.Rebuild, "wal_records", s.Recovery().Records)
	return s.Close()
}
