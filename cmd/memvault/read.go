package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hupe1980/memvault"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/provider/openai"
	"github.com/hupe1980/memvault/query"
)

// lookup resolves a frame by id or, when arg is not a number, by uri.
func lookup(mem *memvault.Memory, arg string) (*frame.Frame, error) {
	if id, err := strconv.ParseUint(arg, 10, 64); err == nil {
		return mem.FrameByID(id)
	}
	return mem.FrameByURI(arg)
}

// filterFlags binds the shared query filters.
type filterFlags struct {
	since, until int64
	asOf         int64
}

func (ff *filterFlags) add(f *pflag.FlagSet, fl *query.Filters) {
	f.StringVar(&fl.Track, "track", "", "only frames of this track")
	f.StringVar(&fl.URI, "uri", "", "only the frame with this uri")
	f.StringVar(&fl.Scope, "scope", "", "uri prefix or glob")
	f.Int64Var(&ff.since, "since", 0, "only frames at or after this unix time")
	f.Int64Var(&ff.until, "until", 0, "only frames at or before this unix time")
	f.Int64Var(&ff.asOf, "as-of-frame", -1, "hide frames written after this frame id")
}

func (ff *filterFlags) apply(cmd *cobra.Command, fl *query.Filters) {
	if cmd.Flags().Changed("since") {
		fl.Since = &ff.since
	}
	if cmd.Flags().Changed("until") {
		fl.Until = &ff.until
	}
	if ff.asOf >= 0 {
		id := frame.ID(ff.asOf)
		fl.AsOfFrame = &id
	}
}

func (a *app) getCommand() *cobra.Command {
	var meta bool
	cmd := &cobra.Command{
		Use:   "get ID|URI",
		Short: "Print the content of a frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			mem, err := a.openReadOnly()
			if err != nil {
				return err
			}
			defer mem.Close()

			f, err := lookup(mem, args[0])
			if err != nil {
				return err
			}
			content, err := mem.FrameContent(f.ID)
			if err != nil {
				return err
			}
			out := map[string]any{
				"frame_id":  f.ID,
				"uri":       f.URI,
				"title":     f.Title,
				"track":     f.Track,
				"kind":      f.Kind,
				"timestamp": f.Timestamp,
				"tags":      f.Tags,
				"labels":    f.Labels,
				"deleted":   f.Deleted,
				"content":   content,
			}
			return a.render(out, func(w io.Writer) {
				if meta {
					fmt.Fprintf(w, "# frame %d %s %q track=%s ts=%d deleted=%t\n", f.ID, f.URI, f.Title, f.Track, f.Timestamp, f.Deleted)
				}
				fmt.Fprintln(w, content)
			})
		},
	}
	cmd.Flags().BoolVar(&meta, "meta", false, "print a metadata line before the content")
	return cmd
}

func (a *app) searchCommand() *cobra.Command {
	var (
		req memvault.SearchRequest
		ff  filterFlags
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search frames",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			ff.apply(cmd, &req.Filters)

			mem, err := a.openReadOnly()
			if err != nil {
				return err
			}
			defer mem.Close()

			resp, err := mem.Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.render(resp, func(w io.Writer) {
				for _, h := range resp.Hits {
					fmt.Fprintf(w, "%3d  %-6d %.4f  %s\n     %s\n", h.Rank, h.FrameID, h.Score, label(h.URI, h.Title), oneLine(h.Snippet))
				}
				fmt.Fprintf(w, "%d of %d hits (%s, %d ms)\n", len(resp.Hits), resp.Total, resp.Engine, resp.ElapsedMS)
				if resp.NextCursor != "" {
					fmt.Fprintln(w, "next cursor:", resp.NextCursor)
				}
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&req.TopK, "top-k", "k", 0, "number of hits (default 10)")
	f.StringVar(&req.Cursor, "cursor", "", "continue from a previous response")
	f.StringVar((*string)(&req.Mode), "mode", "", "lex, vec or hybrid (default automatic)")
	f.Float32SliceVar(&req.Embedding, "embedding", nil, "query embedding")
	f.IntVar(&req.SnippetChars, "snippet-chars", 0, "snippet length in runes")
	ff.add(f, &req.Filters)
	return cmd
}

func (a *app) askCommand() *cobra.Command {
	var (
		req memvault.AskRequest
		ff  filterFlags
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Assemble context for a question and optionally answer it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Question = strings.Join(args, " ")
			ff.apply(cmd, &req.Filters)

			var extra []memvault.Option
			if req.Synthesize {
				sopts := []openai.Option{openai.WithModel(a.cfg.OpenAIModel)}
				if a.cfg.OpenAIURL != "" {
					sopts = append(sopts, openai.WithBaseURL(a.cfg.OpenAIURL))
				}
				s, err := openai.NewSynthesizer(a.cfg.APIKey, sopts...)
				if err != nil {
					return err
				}
				extra = append(extra, memvault.WithSynthesizer(s))
			}
			mem, err := a.openReadOnly(extra...)
			if err != nil {
				return err
			}
			defer mem.Close()

			resp, err := mem.Ask(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.render(resp, func(w io.Writer) {
				if resp.Answer != "" {
					fmt.Fprintln(w, resp.Answer)
					fmt.Fprintln(w)
				}
				for _, c := range resp.Citations {
					fmt.Fprintf(w, "[%d] frame %d %s\n", c.Index, c.FrameID, c.URI)
				}
				if resp.Answer == "" {
					fmt.Fprint(w, resp.Context)
				}
				for _, warn := range resp.Warnings {
					fmt.Fprintln(w, "warning:", warn)
				}
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&req.TopK, "top-k", "k", 0, "number of fragments (default 10)")
	f.StringVar((*string)(&req.Mode), "mode", "", "lex, sem or hybrid (default hybrid)")
	f.Float32SliceVar(&req.Embedding, "embedding", nil, "question embedding")
	f.BoolVar(&req.Synthesize, "synthesize", false, "answer with the configured OpenAI-compatible model")
	f.StringVar(&a.cfg.OpenAIModel, "openai-model", a.cfg.OpenAIModel, "chat model")
	f.StringVar(&a.cfg.OpenAIURL, "openai-url", a.cfg.OpenAIURL, "OpenAI-compatible base url")
	ff.add(f, &req.Filters)
	return cmd
}

func (a *app) timelineCommand() *cobra.Command {
	var (
		q     memvault.TimelineQuery
		since int64
		until int64
	)
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "List frames in time order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("since") {
				q.Since = &since
			}
			if cmd.Flags().Changed("until") {
				q.Until = &until
			}
			mem, err := a.openReadOnly()
			if err != nil {
				return err
			}
			defer mem.Close()

			entries, err := mem.Timeline(q)
			if err != nil {
				return err
			}
			return a.render(entries, func(w io.Writer) {
				for _, e := range entries {
					fmt.Fprintf(w, "%d  %-6d %-10s %s\n", e.Timestamp, e.FrameID, e.Track, oneLine(e.Preview))
				}
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&q.Limit, "limit", "n", 0, "number of entries (default 50)")
	f.BoolVarP(&q.Reverse, "reverse", "r", false, "newest first")
	f.StringVar(&q.Track, "track", "", "only frames of this track")
	f.Int64Var(&since, "since", 0, "only frames at or after this unix time")
	f.Int64Var(&until, "until", 0, "only frames at or before this unix time")
	return cmd
}

func (a *app) relatedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "related ENTITY",
		Short: "List logic mesh triplets mentioning an entity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			mem, err := a.openReadOnly()
			if err != nil {
				return err
			}
			defer mem.Close()

			edges, err := mem.Related(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return a.render(edges, func(w io.Writer) {
				for _, e := range edges {
					fmt.Fprintf(w, "%-6d %s -[%s]-> %s\n", e.FrameID, e.Subject, e.Predicate, e.Object)
				}
			})
		},
	}
}

func (a *app) similarCommand() *cobra.Command {
	var distance int
	cmd := &cobra.Command{
		Use:   "similar ID|URI",
		Short: "List near-duplicates of a frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			mem, err := a.openReadOnly()
			if err != nil {
				return err
			}
			defer mem.Close()

			f, err := lookup(mem, args[0])
			if err != nil {
				return err
			}
			sim, err := mem.Similar(f.ID, distance)
			if err != nil {
				return err
			}
			return a.render(sim, func(w io.Writer) {
				for _, s := range sim {
					fmt.Fprintf(w, "%-6d %2d  %s\n", s.FrameID, s.Distance, label(s.URI, s.Title))
				}
			})
		},
	}
	cmd.Flags().IntVar(&distance, "max-distance", 8, "maximum sketch distance in bits")
	return cmd
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print memory statistics",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			mem, err := a.openReadOnly()
			if err != nil {
				return err
			}
			defer mem.Close()

			st, err := mem.Stats()
			if err != nil {
				return err
			}
			return a.render(st, func(w io.Writer) {
				fmt.Fprintf(w, "memory      %s (generation %d)\n", st.MemoryID, st.Generation)
				fmt.Fprintf(w, "tier        %s sealed=%t\n", st.Tier, st.Sealed)
				fmt.Fprintf(w, "features    %s\n", st.Features)
				fmt.Fprintf(w, "frames      %d (%d active)\n", st.FrameCount, st.ActiveFrameCount)
				fmt.Fprintf(w, "file        %d bytes, wal %d bytes, %d pending\n", st.SizeBytes, st.WALBytes, st.WALRecordsPending)
				fmt.Fprintf(w, "logical     %d of %d bytes (%.1f%%)\n", st.LogicalBytes, st.CapacityBytes, st.StorageUtilisationPercent)
				fmt.Fprintf(w, "compression %.1f%% of raw, %.1f%% saved\n", st.CompressionRatioPercent, st.SavingsPercent)
			})
		},
	}
}

func label(uri, title string) string {
	switch {
	case uri != "" && title != "":
		return title + " <" + uri + ">"
	case uri != "":
		return uri
	default:
		return title
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
