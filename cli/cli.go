// Package cli implements seqctl, the command line front end of the sequence
// engine. Devices are simulated; the configured audit and flag backends are
// real.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/sequence-engine/devices"
	"github.com/songzhibin97/sequence-engine/engine"
	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/flags"
	"github.com/songzhibin97/sequence-engine/logging"
	"github.com/songzhibin97/sequence-engine/metrics"
	"github.com/songzhibin97/sequence-engine/parser"
	"github.com/songzhibin97/sequence-engine/storage"
	"github.com/songzhibin97/sequence-engine/types"
	"github.com/songzhibin97/sequence-engine/validator"
	"github.com/songzhibin97/sequence-engine/zones"
)

type rootOptions struct {
	configFile string
	output     string
}

// BuildCLI assembles the seqctl command tree.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "seqctl",
		Short: "Validate and run lab equipment sequences",
		Long: `seqctl loads TOML sequence definitions, validates them and runs them
against simulated devices. Every run is recorded to the configured audit
backend (memory, sqlite or redis).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return checkOutput(opts.output)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default ./seqctl.yaml if present)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", OutputText, "output format: text, yaml or json")

	rootCmd.AddCommand(buildValidateCommand(opts))
	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildZonesCommand(opts))
	rootCmd.AddCommand(buildAuditCommand(opts))
	rootCmd.AddCommand(buildFlagsCommand(opts))
	return rootCmd
}

// setup loads configuration and configures logging.
func setup(opts *rootOptions) (*Config, zerolog.Logger, error) {
	cfg, err := LoadConfig(opts.configFile)
	if err != nil {
		return nil, zerolog.Logger{}, err
	}
	logging.Configure(logging.Config{
		Level:     cfg.Log.Level,
		Format:    logging.Format(cfg.Log.Format),
		Output:    os.Stderr,
		Timestamp: true,
	})
	return cfg, logging.Component("seqctl"), nil
}

func deviceNames(seq *types.Sequence) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range seq.Commands {
		if c.Device != "" && !seen[c.Device] {
			seen[c.Device] = true
			out = append(out, c.Device)
		}
	}
	return out
}

func buildValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a sequence definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(opts)
			if err != nil {
				return err
			}
			seq, err := parser.ParseFile(args[0], parser.WithDefaultTimeout(cfg.Engine.DefaultTimeout))
			if err != nil {
				return err
			}
			registry := newRegistry(cfg, deviceNames(seq))
			v := validator.New(
				validator.WithDeviceStates(registry),
				validator.WithCommandValidator(devices.NewSimulator(registry)),
			)
			report := newValidationReport(seq.Name, v.Validate(seq))
			if err := render(cmd.OutOrStdout(), opts.output, report, report.text); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("sequence %q is invalid", seq.Name)
			}
			return nil
		},
	}
}

type runOptions struct {
	flags   []string
	vars    []string
	scripts []string
	onHalt  string
	delay   time.Duration
}

func buildRunCommand(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a sequence against simulated devices",
		Long: `Run loads, validates and executes a sequence. Devices come from the
configuration and answer through a simulator; --script scripts replies per
command id (or id@zone), for example --script fill=timeout --script "weigh=read complete weight=3".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequence(cmd, opts, ro, args[0])
		},
	}
	cmd.Flags().StringArrayVar(&ro.flags, "flag", nil, "initial flag value, name=true|false (repeatable)")
	cmd.Flags().StringArrayVar(&ro.vars, "var", nil, "variable override, name=number (repeatable)")
	cmd.Flags().StringArrayVar(&ro.scripts, "script", nil, "scripted device reply, id=reply or id=timeout (repeatable)")
	cmd.Flags().StringVar(&ro.onHalt, "on-halt", "abort", "decision when a tag halts a command: resume, skip or abort")
	cmd.Flags().DurationVar(&ro.delay, "delay", 0, "simulated device latency")
	return cmd
}

func parseDecision(s string) (engine.Decision, error) {
	switch strings.ToLower(s) {
	case "resume":
		return engine.Resume, nil
	case "skip":
		return engine.Skip, nil
	case "abort":
		return engine.Abort, nil
	}
	return 0, fmt.Errorf("unknown decision %q (resume, skip or abort)", s)
}

func parseVars(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("var %q: want name=number", p)
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("var %q: %w", p, err)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

func applyScripts(sim *devices.Simulator, scripts []string) error {
	for _, s := range scripts {
		key, reply, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return fmt.Errorf("script %q: want id=reply", s)
		}
		step := devices.Reply(reply)
		if strings.EqualFold(reply, "timeout") {
			step = devices.Timeout()
		}
		sim.Script(key, step)
	}
	return nil
}

func runSequence(cmd *cobra.Command, opts *rootOptions, ro *runOptions, path string) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	decision, err := parseDecision(ro.onHalt)
	if err != nil {
		return err
	}
	initial, err := parseFlagAssignments(ro.flags)
	if err != nil {
		return err
	}
	vars, err := parseVars(ro.vars)
	if err != nil {
		return err
	}

	seq, err := parser.ParseFile(path, parser.WithDefaultTimeout(cfg.Engine.DefaultTimeout))
	if err != nil {
		return err
	}

	fp, closeFlags, err := openFlags(cfg, initial)
	if err != nil {
		return err
	}
	defer closeFlags()

	archive, closeArchive, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer closeArchive()

	registry := newRegistry(cfg, deviceNames(seq))
	sim := devices.NewSimulator(registry, devices.WithDefaultDelay(ro.delay))
	if err := applyScripts(sim, ro.scripts); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(promReg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, promReg, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	eng, err := engine.New(sim,
		engine.WithConnectivity(sim),
		engine.WithFlags(fp),
		engine.WithDevices(registry),
		engine.WithStorage(archive),
		engine.WithMetrics(collector),
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithQueueSize(cfg.Engine.QueueSize),
		engine.WithLogger(logging.Component("engine")),
	)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	}()

	eng.SubscribeEvent(events.AllEvents, events.EventHandlerFunc(func(_ context.Context, ev events.Event) error {
		logger.Debug().
			Uint64("run", ev.RunID).
			Str("event", ev.Name).
			Str("state", string(ev.State)).
			Str("command", ev.CommandID).
			Msg(ev.Message)
		return nil
	}))
	eng.SubscribeEvent(events.ResolutionRequired, events.EventHandlerFunc(func(_ context.Context, ev events.Event) error {
		logger.Info().
			Str("command", ev.CommandID).
			Str("decision", decision.String()).
			Msg(ev.Message)
		return eng.Resolve(ev.RunID, decision)
	}))

	if res, err := eng.Register(seq); err != nil {
		var ve *types.ValidationError
		if errors.As(err, &ve) {
			report := newValidationReport(seq.Name, res)
			_ = render(cmd.OutOrStdout(), opts.output, report, report.text)
		}
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := eng.Start(ctx, seq.Name, engine.WithVars(vars))
	if err != nil {
		return err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		logger.Warn().Uint64("run", run.ID()).Msg("interrupted, cancelling")
		run.Cancel()
		<-run.Done()
	}

	res, _ := run.Result()
	if err := render(cmd.OutOrStdout(), opts.output, res, resultText(res)); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("run %d ended in %s: %s", res.RunID, res.State, res.Message)
	}
	return nil
}

func serveMetrics(addr string, g prometheus.Gatherer, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

type zoneReport struct {
	Selector string `json:"selector" yaml:"selector"`
	Mask     string `json:"mask" yaml:"mask"`
	Value    int    `json:"value" yaml:"value"`
	Zones    []int  `json:"zones" yaml:"zones"`
}

func buildZonesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "zones <selector>",
		Short: "Resolve a zone selector such as all, 1,3 or 2-4 to its mask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mask, err := zones.Resolve(args[0])
			if err != nil {
				return err
			}
			report := zoneReport{Selector: args[0], Mask: mask.String(), Value: int(mask), Zones: mask.Zones()}
			return render(cmd.OutOrStdout(), opts.output, report, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s -> %s (%d) zones %v\n", report.Selector, report.Mask, report.Value, report.Zones)
				return err
			})
		},
	}
}

func buildAuditCommand(opts *rootOptions) *cobra.Command {
	var withEvents bool
	auditCmd := &cobra.Command{
		Use:   "audit [run-id]",
		Short: "Inspect recorded runs",
		Long:  "audit <run-id> is shorthand for audit show <run-id>.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return showRun(cmd, opts, args[0], withEvents)
		},
	}
	auditCmd.Flags().BoolVar(&withEvents, "events", false, "also print the event trail")

	auditCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded run ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(opts, func(ctx context.Context, a storage.Archive) error {
				ids, err := a.Runs(ctx)
				if err != nil {
					return err
				}
				sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
				return render(cmd.OutOrStdout(), opts.output, ids, func(w io.Writer) error {
					for _, id := range ids {
						fmt.Fprintln(w, id)
					}
					return nil
				})
			})
		},
	})

	var showEvents bool
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the result, and optionally the event trail, of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showRun(cmd, opts, args[0], showEvents)
		},
	}
	show.Flags().BoolVar(&showEvents, "events", false, "also print the event trail")
	auditCmd.AddCommand(show)

	auditCmd.AddCommand(&cobra.Command{
		Use:   "export <run-id> <file>",
		Short: "Write a run's result and event trail to a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			return withArchive(opts, func(ctx context.Context, a storage.Archive) error {
				rec, err := loadRecord(ctx, a, id)
				if err != nil {
					return err
				}
				return writeRecord(args[1], rec)
			})
		},
	})

	auditCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Load a run exported with audit export into the configured archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := readRecord(args[0])
			if err != nil {
				return err
			}
			return withArchive(opts, func(ctx context.Context, a storage.Archive) error {
				if err := storeRecord(ctx, a, rec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported run %d (%d events)\n", rec.Result.RunID, len(rec.Events))
				return nil
			})
		},
	})

	auditCmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete the records of successful runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(opts, func(ctx context.Context, a storage.Archive) error {
				return a.ClearSucceeded(ctx)
			})
		},
	})
	return auditCmd
}

func showRun(cmd *cobra.Command, opts *rootOptions, arg string, withEvents bool) error {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run id %q", arg)
	}
	return withArchive(opts, func(ctx context.Context, a storage.Archive) error {
		res, err := a.GetResult(ctx, id)
		if err != nil {
			return err
		}
		if err := render(cmd.OutOrStdout(), opts.output, res, resultText(res)); err != nil {
			return err
		}
		if !withEvents {
			return nil
		}
		trail, err := a.Events(ctx, id)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), opts.output, trail, trailText(trail))
	})
}

func withArchive(opts *rootOptions, fn func(context.Context, storage.Archive) error) error {
	cfg, _, err := setup(opts)
	if err != nil {
		return err
	}
	if cfg.Audit.Backend == "memory" {
		return errNoHistory
	}
	a, closeArchive, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer closeArchive()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, a)
}

func buildFlagsCommand(opts *rootOptions) *cobra.Command {
	flagsCmd := &cobra.Command{
		Use:   "flags",
		Short: "Read or raise shared flags (redis flag backend)",
	}

	flagsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every shared flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRedisFlags(opts, func(ctx context.Context, s *flags.RedisStore) error {
				snap, err := s.Snapshot(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, snap, func(w io.Writer) error {
					names := make([]string, 0, len(snap))
					for n := range snap {
						names = append(names, n)
					}
					sort.Strings(names)
					for _, n := range names {
						fmt.Fprintf(w, "%s=%t\n", n, snap[n])
					}
					return nil
				})
			})
		},
	})

	flagsCmd.AddCommand(&cobra.Command{
		Use:   "set name=bool...",
		Short: "Set shared flags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFlagAssignments(args)
			if err != nil {
				return err
			}
			return withRedisFlags(opts, func(_ context.Context, s *flags.RedisStore) error {
				for name, v := range values {
					s.SetFlag(name, v)
				}
				return nil
			})
		},
	})
	return flagsCmd
}

func withRedisFlags(opts *rootOptions, fn func(context.Context, *flags.RedisStore) error) error {
	cfg, _, err := setup(opts)
	if err != nil {
		return err
	}
	if cfg.Flags.Backend != "redis" {
		return errors.New("shared flags need flags.backend=redis")
	}
	s, err := flags.NewRedisStore(flags.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.FlagsKey,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, s)
}
