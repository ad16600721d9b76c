package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/hupe1980/memvault"
	"github.com/hupe1980/memvault/internal/hash"
)

func (a *app) watchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Keep a directory of text files in sync with the memory",
		Long: "Ingest every file under DIR matching --pattern, then follow changes: " +
			"changed files replace their frame and removed files delete it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := a.open(true)
			if err != nil {
				return err
			}
			defer mem.Close()

			in, err := newIngester(mem, args[0], a.cfg.WatchPattern, a.cfg.WatchTrack, a.logger)
			if err != nil {
				return err
			}
			return in.run(cmd.Context(), a.cfg.WatchDebounce)
		},
	}
	f := cmd.Flags()
	f.StringVar(&a.cfg.WatchPattern, "pattern", a.cfg.WatchPattern, "glob of files to ingest, relative to DIR")
	f.StringVar(&a.cfg.WatchTrack, "track", a.cfg.WatchTrack, "track of ingested frames")
	f.DurationVar(&a.cfg.WatchDebounce, "debounce", a.cfg.WatchDebounce, "quiet period before changes are ingested")
	addIndexFlags(cmd, &a.cfg)
	return cmd
}

// ingester mirrors matching files under root into a memory, one frame per
// file keyed by its file:// uri.
type ingester struct {
	mem    *memvault.Memory
	root   string
	match  glob.Glob
	track  string
	logger *memvault.Logger
}

func newIngester(mem *memvault.Memory, root, pattern, track string, logger *memvault.Logger) (*ingester, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("parse pattern %q: %w", pattern, err)
	}
	return &ingester{mem: mem, root: abs, match: g, track: track, logger: logger}, nil
}

func (in *ingester) matches(path string) bool {
	rel, err := filepath.Rel(in.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return in.match.Match(filepath.ToSlash(rel))
}

func fileURI(path string) string { return "file://" + filepath.ToSlash(path) }

// scan ingests every matching file under root.
func (in *ingester) scan(ctx context.Context) error {
	return filepath.WalkDir(in.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !in.matches(path) {
			return nil
		}
		return in.ingest(ctx, path)
	})
}

// ingest stores path unless its frame already holds the same bytes. A
// changed file replaces its frame.
func (in *ingester) ingest(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	uri := fileURI(path)
	if old, err := in.mem.FrameByURI(uri); err == nil && old.Active() {
		if old.ContentHash == hash.Sum256(data) {
			return nil
		}
		if _, err := in.mem.DeleteFrame(ctx, old.ID); err != nil {
			return err
		}
	}

	var ts int64
	if info, err := os.Stat(path); err == nil {
		ts = info.ModTime().Unix()
	}
	res, err := in.mem.PutWithResult(ctx, data, memvault.PutOptions{
		URI:          uri,
		Title:        filepath.Base(path),
		Track:        in.track,
		Timestamp:    ts,
		ExtractDates: true,
	})
	if err != nil {
		return err
	}
	in.logger.Info("file ingested", "path", path, "frame_id", res.FrameID)
	return nil
}

// remove deletes the frame of path, if any.
func (in *ingester) remove(ctx context.Context, path string) error {
	f, err := in.mem.FrameByURI(fileURI(path))
	if err != nil || !f.Active() {
		return nil
	}
	if _, err := in.mem.DeleteFrame(ctx, f.ID); err != nil {
		return err
	}
	in.logger.Info("file removed", "path", path, "frame_id", f.ID)
	return nil
}

// flush applies pending paths and commits once.
func (in *ingester) flush(ctx context.Context, pending map[string]struct{}) error {
	var errs []error
	for path := range pending {
		var err error
		if _, serr := os.Stat(path); errors.Is(serr, fs.ErrNotExist) {
			err = in.remove(ctx, path)
		} else {
			err = in.ingest(ctx, path)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		delete(pending, path)
	}
	if err := in.mem.Commit(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (in *ingester) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// run scans root, then follows changes until ctx is done.
func (in *ingester) run(ctx context.Context, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := in.addTree(w, in.root); err != nil {
		return fmt.Errorf("watch %s: %w", in.root, err)
	}
	if err := in.scan(ctx); err != nil {
		return err
	}
	if err := in.mem.Commit(ctx); err != nil {
		return err
	}
	in.logger.Info("watching", "dir", in.root)

	pending := make(map[string]struct{})
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				return in.flush(context.WithoutCancel(ctx), pending)
			}
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := in.addTree(w, event.Name); err != nil {
						in.logger.Warn("watch directory failed", "dir", event.Name, "error", err)
					}
					continue
				}
			}
			if !in.matches(event.Name) || (event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write)) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(debounce)

		case <-timer.C:
			if err := in.flush(ctx, pending); err != nil {
				in.logger.Error("sync failed", "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("watcher error", "error", err)
		}
	}
}
