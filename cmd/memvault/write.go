package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hupe1980/memvault"
	"github.com/hupe1980/memvault/internal/cliconfig"
	"github.com/hupe1980/memvault/ticket"
)

func (a *app) createCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.memoryPath()
			if err != nil {
				return err
			}
			if cliconfig.FileExists(path) {
				return fmt.Errorf("%s already exists", path)
			}
			mem, err := a.open(true)
			if err != nil {
				return err
			}
			defer mem.Close()
			return a.render(map[string]any{"path": path, "memory_id": mem.MemoryID(), "features": mem.Features().String()}, func(w io.Writer) {
				fmt.Fprintf(w, "created %s (%s) with %s\n", path, mem.MemoryID(), mem.Features())
			})
		},
	}
	addIndexFlags(cmd, &a.cfg)
	return cmd
}

func addIndexFlags(cmd *cobra.Command, cfg *cliconfig.Config) {
	f := cmd.Flags()
	f.BoolVar(&cfg.Lex, "lex", cfg.Lex, "enable the lexical index")
	f.BoolVar(&cfg.Vec, "vec", cfg.Vec, "enable the vector index")
	f.IntVar(&cfg.VecDim, "vec-dim", cfg.VecDim, "vector dimension")
	f.BoolVar(&cfg.Clip, "clip", cfg.Clip, "enable the image embedding index")
	f.IntVar(&cfg.ClipDim, "clip-dim", cfg.ClipDim, "image embedding dimension")
	f.BoolVar(&cfg.Time, "time", cfg.Time, "enable the time index")
	f.BoolVar(&cfg.Mesh, "mesh", cfg.Mesh, "enable the logic mesh")
	f.BoolVar(&cfg.Sketch, "sketch", cfg.Sketch, "enable the sketch track")
	f.StringVar(&cfg.Compression, "compression", cfg.Compression, "payload compression: none, lz4 or zstd")
	f.StringVar(&cfg.Durability, "durability", cfg.Durability, "WAL durability: commit or sync")
	f.Uint64Var(&cfg.CapacityBytes, "capacity", cfg.CapacityBytes, "capacity in logical bytes (0 uses the tier default)")
}

func (a *app) putCommand() *cobra.Command {
	var (
		opts      memvault.PutOptions
		timestamp string
	)
	cmd := &cobra.Command{
		Use:   "put FILE|-",
		Short: "Store a file, or stdin, as a frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, uri, err := readInput(args[0])
			if err != nil {
				return err
			}
			if opts.URI == "" {
				opts.URI = uri
			}
			if timestamp != "" {
				ts, err := strconv.ParseInt(timestamp, 10, 64)
				if err != nil {
					return fmt.Errorf("parse timestamp: %w", err)
				}
				opts.Timestamp = ts
			}

			mem, err := a.open(true)
			if err != nil {
				return err
			}
			defer mem.Close()

			res, err := mem.PutWithResult(cmd.Context(), payload, opts)
			if err != nil {
				return err
			}
			if err := mem.Commit(cmd.Context()); err != nil {
				return err
			}
			return a.render(res, func(w io.Writer) {
				if res.Deduplicated {
					fmt.Fprintf(w, "frame %d (duplicate)\n", res.FrameID)
				} else {
					fmt.Fprintf(w, "frame %d (wal seq %d)\n", res.FrameID, res.WALSeq)
				}
				for _, warn := range res.Warnings {
					fmt.Fprintf(w, "warning: %s: %s\n", warn.Code, warn.Message)
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.URI, "uri", "", "frame uri (default file:// path of FILE)")
	f.StringVar(&opts.Title, "title", "", "frame title")
	f.StringVar(&opts.Track, "track", "", "frame track")
	f.StringVar(&opts.Kind, "kind", "", "frame kind")
	f.StringVar(&timestamp, "timestamp", "", "unix timestamp in seconds (default now)")
	f.StringToStringVar(&opts.Tags, "tag", nil, "tag as key=value, repeatable")
	f.StringSliceVar(&opts.Labels, "label", nil, "label, repeatable")
	f.StringVar(&opts.SearchText, "search-text", "", "text indexed instead of the payload")
	f.BoolVar(&opts.NoRaw, "no-raw", false, "keep only the extracted text, not the payload")
	f.BoolVar(&opts.Dedup, "dedup", false, "return the existing frame for an identical payload")
	f.BoolVar(&opts.AutoTag, "auto-tag", false, "label the frame with its top keywords")
	f.BoolVar(&opts.ExtractDates, "extract-dates", false, "tag the frame with dates found in the text")
	f.BoolVar(&opts.ExtractTriplets, "extract-triplets", false, "extract triplets into the logic mesh")
	addIndexFlags(cmd, &a.cfg)
	return cmd
}

// readInput reads a file or, for "-", stdin. It returns the default uri
// for the payload.
func readInput(arg string) ([]byte, string, error) {
	if arg == "-" {
		b, err := io.ReadAll(os.Stdin)
		return b, "", err
	}
	b, err := os.ReadFile(arg)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return nil, "", err
	}
	return b, "file://" + filepath.ToSlash(abs), nil
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID|URI",
		Short: "Soft-delete a frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := a.open(false)
			if err != nil {
				return err
			}
			defer mem.Close()

			f, err := lookup(mem, args[0])
			if err != nil {
				return err
			}
			seq, err := mem.DeleteFrame(cmd.Context(), f.ID)
			if err != nil {
				return err
			}
			if err := mem.Commit(cmd.Context()); err != nil {
				return err
			}
			return a.render(map[string]any{"frame_id": f.ID, "wal_seq": seq}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted frame %d (wal seq %d)\n", f.ID, seq)
			})
		},
	}
}

func (a *app) sealCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Seal the memory against further writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mem, err := a.open(false)
			if err != nil {
				return err
			}
			defer mem.Close()
			if err := mem.Seal(cmd.Context()); err != nil {
				return err
			}
			return a.render(map[string]any{"sealed": true}, func(w io.Writer) {
				fmt.Fprintln(w, "sealed", mem.Path())
			})
		},
	}
}

func (a *app) bindCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bind TICKET.json",
		Short: "Bind a signed ticket to the memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.TicketKey == "" {
				return errors.New("binding a ticket needs --ticket-key")
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			t, err := ticket.ParseJSON(raw)
			if err != nil {
				return err
			}

			mem, err := a.open(false)
			if err != nil {
				return err
			}
			defer mem.Close()

			b, err := mem.BindTicket(cmd.Context(), t)
			if err != nil {
				return err
			}
			return a.render(b, func(w io.Writer) {
				fmt.Fprintf(w, "bound %s ticket seq %d from %s, capacity %d bytes\n", b.Tier, b.Seq, b.Issuer, b.Capacity)
			})
		},
	}
}
