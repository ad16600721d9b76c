// Command memvault creates, queries and maintains memvault files.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/memvault"
	"github.com/hupe1980/memvault/internal/cliconfig"
)

var exampleUsage = strings.TrimSpace(`
  memvault create --memory notes.mv --vec --vec-dim 384
  echo "Deploy on Friday" | memvault put --memory notes.mv --uri mv://todo/1 -
  memvault search --memory notes.mv "deploy"
  memvault verify --memory notes.mv --deep
  memvault backup --memory notes.mv --target s3 --bucket memories nightly
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return memvault.LibraryVersion
}

// app carries the resolved configuration into subcommands.
type app struct {
	cfg     cliconfig.Config
	cfgPath string
	output  string
	logger  *memvault.Logger
	stdout  io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if code := memvault.Code(err); code != 0 {
			fmt.Fprintln(os.Stderr, "code:", code)
		}
		os.Exit(1)
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	a := &app{cfg: cliconfig.DefaultConfig(), stdout: stdout}

	root := &cobra.Command{
		Use:           "memvault",
		Short:         "Single-file memory for AI agents",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s (format %d) %s/%s", getVersion(), memvault.Version().FormatVersion, runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default $HOME/.memvault/config.toml)")
	pf.StringVarP(&a.output, "output", "o", "text", "output format: text, json or yaml")
	pf.StringVarP(&a.cfg.Memory, "memory", "m", a.cfg.Memory, "memory file")
	pf.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level: debug, info, warn or error")
	pf.StringVar(&a.cfg.LogFormat, "log-format", a.cfg.LogFormat, "log format: text or json")
	pf.StringVar(&a.cfg.TicketKey, "ticket-key", a.cfg.TicketKey, "ed25519 public key of the ticket issuer (hex or base64)")
	pf.StringVar(&a.cfg.ModelKey, "model-key", a.cfg.ModelKey, "ed25519 public key of the model publisher (hex or base64)")
	pf.StringVar(&a.cfg.APIKey, "api-key", a.cfg.APIKey, "API key for synthesis")
	pf.Int64Var(&a.cfg.CacheBytes, "cache-bytes", a.cfg.CacheBytes, "payload cache size in bytes")

	root.AddCommand(
		a.createCommand(),
		a.putCommand(),
		a.deleteCommand(),
		a.sealCommand(),
		a.bindCommand(),
		a.getCommand(),
		a.searchCommand(),
		a.askCommand(),
		a.timelineCommand(),
		a.relatedCommand(),
		a.similarCommand(),
		a.statsCommand(),
		a.verifyCommand(),
		a.doctorCommand(),
		a.backupCommand(),
		a.restoreCommand(),
		a.backupsCommand(),
		a.watchCommand(),
	)
	return root
}

// load resolves the configuration: file, then MEMVAULT_* variables, then
// flags.
func (a *app) load(cmd *cobra.Command) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfgFile := a.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}
	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&a.cfg, fc, changed); err != nil {
			return err
		}
	} else if a.cfgPath != "" {
		return fmt.Errorf("config file %s does not exist", a.cfgPath)
	}

	if err := cliconfig.ApplyEnvConfig(&a.cfg, changed); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	switch a.output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}

	logger, err := a.cfg.Logger()
	if err != nil {
		return err
	}
	a.logger = logger
	a.logger.Debug("configuration", "config", fmt.Sprintf("%+v", a.cfg.Masked()))
	return nil
}

func (a *app) memoryPath() (string, error) {
	if a.cfg.Memory == "" {
		return "", errors.New("no memory file: pass --memory or set MEMVAULT_MEMORY")
	}
	return a.cfg.Memory, nil
}

// open opens the configured memory. With create set, a missing file is
// created with the configured indexes.
func (a *app) open(create bool, extra ...memvault.Option) (*memvault.Memory, error) {
	path, err := a.memoryPath()
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.MemoryOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)
	if create && !cliconfig.FileExists(path) {
		return memvault.Create(path, opts...)
	}
	return memvault.Open(path, opts...)
}

func (a *app) openReadOnly(extra ...memvault.Option) (*memvault.Memory, error) {
	return a.open(false, append(extra, memvault.WithReadOnly())...)
}

// render writes v as JSON or YAML, or calls text for the text format.
func (a *app) render(v any, text func(w io.Writer)) error {
	switch a.output {
	case "json":
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(a.stdout)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(a.stdout)
		return nil
	}
}
