package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hupe1980/memvault"
	"github.com/hupe1980/memvault/backup"
	"github.com/hupe1980/memvault/doctor"
	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/index"
)

func printReport(w io.Writer, r *memvault.VerifyReport) {
	fmt.Fprintf(w, "%s: %s (generation %d, %d frames, %d wal records)\n", r.Path, r.Status, r.Generation, r.Frames, r.WALRecords)
	for _, c := range r.Checks {
		fmt.Fprintf(w, "  %-10s %-8s %s\n", c.Name, c.Status, c.Details)
	}
	for _, f := range r.Findings {
		fmt.Fprintln(w, "  -", f)
	}
}

func (a *app) verifyCommand() *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of a closed memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.memoryPath()
			if err != nil {
				return err
			}
			rep, err := memvault.Verify(cmd.Context(), path, deep, memvault.WithLogger(a.logger))
			if err != nil {
				return err
			}
			if err := a.render(rep, func(w io.Writer) { printReport(w, rep) }); err != nil {
				return err
			}
			if rep.Status == doctor.StatusFailed {
				return errcode.Newf(errcode.ChecksumMismatch, "verify", "%d fatal findings", len(rep.Fatal()))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "decode every frame and rebuild every index for comparison")
	return cmd
}

func (a *app) doctorCommand() *cobra.Command {
	var (
		opts    memvault.DoctorOptions
		rebuild []string
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Repair a closed memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.memoryPath()
			if err != nil {
				return err
			}
			for _, name := range rebuild {
				k, err := index.ParseKind(name)
				if err != nil {
					return err
				}
				opts.RebuildIndexes = append(opts.RebuildIndexes, k)
			}

			rep, err := memvault.Doctor(cmd.Context(), path, opts, memvault.WithLogger(a.logger))
			if errcode.Has(err, errcode.DoctorNoOp) {
				err = nil
			}
			if rep != nil {
				if rerr := a.render(rep, func(w io.Writer) {
					fmt.Fprintln(w, "status:", rep.Status)
					for _, act := range rep.Plan {
						fmt.Fprintf(w, "  %s %s%s\n", act.Kind, kindName(act), act.Path)
					}
					if rep.After != nil {
						printReport(w, rep.After)
					}
				}); rerr != nil {
					return rerr
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&rebuild, "rebuild", nil, "force a rebuild of these indexes (lex, vec, clip, time, mesh, sketch)")
	f.BoolVar(&opts.Vacuum, "vacuum", false, "rewrite the file without space from earlier generations")
	f.BoolVar(&opts.RemoveAuxiliary, "remove-auxiliary", false, "delete auxiliary files found beside the memory")
	f.BoolVar(&opts.DryRun, "dry-run", false, "print the plan without repairing")
	return cmd
}

func kindName(act doctor.Action) string {
	if act.Kind == doctor.ActionRebuildIndex {
		return act.Index.String()
	}
	return ""
}

func (a *app) backupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup NAME",
		Short: "Copy a sealed memory to the backup target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.blobStore(cmd.Context(), true)
			if err != nil {
				return err
			}
			mem, err := a.openReadOnly()
			if err != nil {
				return err
			}
			defer mem.Close()

			d, err := mem.Backup(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			return a.render(d, func(w io.Writer) { fmt.Fprintln(w, "backed up", d) })
		},
	}
	addTargetFlags(cmd, &a.cfg.Backup)
	return cmd
}

func (a *app) restoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [NAME]",
		Short: "Restore a backup to --memory, which must not exist",
		Long:  "Restore a backup to --memory, which must not exist. Without NAME the newest backup is restored.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.memoryPath()
			if err != nil {
				return err
			}
			store, err := a.blobStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			opts, err := a.cfg.MemoryOptions()
			if err != nil {
				return err
			}
			d, err := memvault.Restore(cmd.Context(), store, name, path, opts...)
			if err != nil {
				return err
			}
			return a.render(d, func(w io.Writer) { fmt.Fprintf(w, "restored %s to %s\n", d, path) })
		},
	}
	addTargetFlags(cmd, &a.cfg.Backup)
	return cmd
}

func (a *app) backupsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List backups at the backup target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.blobStore(cmd.Context(), false)
			if err != nil {
				return err
			}
			list, err := backup.List(cmd.Context(), store)
			if err != nil {
				return err
			}
			return a.render(list, func(w io.Writer) {
				for _, d := range list {
					fmt.Fprintln(w, d)
				}
			})
		},
	}
	addTargetFlags(cmd, &a.cfg.Backup)
	return cmd
}
