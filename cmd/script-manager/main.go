package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TiagoJoseMS/script-manager/internal/events"
	"github.com/TiagoJoseMS/script-manager/internal/sandbox"
	"github.com/TiagoJoseMS/script-manager/internal/scripts"
	"github.com/TiagoJoseMS/script-manager/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// errScriptFailed makes `run` exit non-zero after the result was printed.
var errScriptFailed = errors.New("script failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errScriptFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	scriptsDir string
	locale     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "script-manager",
		Short:         "Discover, describe and run sandboxed Lua scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&flags.scriptsDir, "scripts-dir", "", "override scripts_dir from the config")
	cmd.PersistentFlags().StringVar(&flags.locale, "locale", "", "override the description locale")

	cmd.AddCommand(
		newServeCmd(flags),
		newListCmd(flags),
		newRunCmd(flags),
		newValidateCmd(),
		newVersionCmd(),
	)
	return cmd
}

// setup loads and validates the config and applies flag overrides.
func (f *rootFlags) setup(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(f.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, nil, err
	}
	if f.scriptsDir != "" {
		cfg.ScriptsDir = f.scriptsDir
	}
	if f.locale != "" {
		cfg.Locale = scripts.NormalizeLocale(f.locale)
		cfg.localeForced = true
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// app is the wired script engine shared by every command.
type app struct {
	cfg *Config
	db  *store.BoltStore
	bus *events.Bus
	svc *scripts.Service
}

// openApp wires store, registry, executor and service. A locale saved
// through the API wins over the config unless --locale was given. The store is
// optional: when it cannot be opened (another instance holds the lock) the
// engine runs without a metadata cache and without a persisted locale.
func openApp(cfg *Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, bus: events.NewBus(logger)}

	locale := cfg.Locale
	regOpts := []scripts.Option{scripts.WithLogger(logger)}
	svcOpts := []scripts.ServiceOption{scripts.WithVersion(version)}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Warn("store unavailable, running without cache", "path", cfg.Store.Path, "err", err)
	} else {
		a.db = db
		if !cfg.localeForced {
			if saved, err := db.GetSetting(store.SettingLocale); err == nil && saved != "" {
				locale = saved
			} else if err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn("read saved locale", "err", err)
			}
		}
		regOpts = append(regOpts, scripts.WithMetaCache(db))
		svcOpts = append(svcOpts, scripts.WithSettings(db))
	}
	regOpts = append(regOpts, scripts.WithLocale(locale))

	reg, err := scripts.Open(cfg.ScriptsDir, regOpts...)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("open scripts dir: %w", err)
	}
	exec := sandbox.NewLuaExecutor(cfg.execTimeout, logger)
	a.svc = scripts.NewService(reg, exec, a.bus, logger, svcOpts...)
	return a, nil
}

func (a *app) Close() error {
	err := a.svc.Close()
	a.closeStore()
	return err
}

func (a *app) closeStore() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func newListCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the scripts in the scripts directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.setup(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return printScripts(cmd.OutOrStdout(), a.svc.ListScripts(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

func printScripts(w io.Writer, list []scripts.Descriptor, asJSON bool) error {
	if asJSON {
		return encodeJSON(w, list)
	}
	for _, d := range list {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", d.Name, d.Title); err != nil {
			return err
		}
		if d.Description != "" {
			if _, err := fmt.Fprintf(w, "\t%s\n", d.Description); err != nil {
				return err
			}
		}
	}
	return nil
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run <path|name>",
		Short: "Run a script from the scripts directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.setup(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res := a.svc.Run(ctx, args[0])
			if err := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, asJSON); err != nil {
				return err
			}
			if !res.OK {
				return errScriptFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

// printResult writes script output to stdout and warnings and faults to
// stderr, or the whole result as JSON.
func printResult(stdout, stderr io.Writer, res *sandbox.Result, asJSON bool) error {
	if asJSON {
		return encodeJSON(stdout, res)
	}
	for _, w := range res.Report.Warnings() {
		fmt.Fprintln(stderr, "warning:", w)
	}
	if _, err := io.WriteString(stdout, res.Stdout); err != nil {
		return err
	}
	io.WriteString(stderr, res.Stderr)
	if res.Fault != nil {
		fmt.Fprintln(stderr, res.Fault.Error())
		if res.Fault.Traceback != "" {
			fmt.Fprintln(stderr, res.Fault.Traceback)
		}
	}
	return nil
}

func newValidateCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Report risky constructs in a Lua file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			report := sandbox.Validate(string(data))
			if asJSON {
				return encodeJSON(cmd.OutOrStdout(), report)
			}
			if report.Empty() {
				fmt.Fprintln(cmd.OutOrStdout(), "no risky constructs found")
				return nil
			}
			for _, w := range report.Warnings() {
				fmt.Fprintln(cmd.OutOrStdout(), w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print findings as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "script-manager %s\n", version)
			return err
		},
	}
}

func encodeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

