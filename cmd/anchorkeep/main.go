package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"anchorkeep.ai/internal/config"
	"anchorkeep.ai/internal/console"
	"anchorkeep.ai/internal/logging"
	"anchorkeep.ai/internal/persistence/journal"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "anchorkeep",
		Short:         "Named anchors that keep world cells active across restarts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("ANCHORKEEP_CONFIG"), "config file (.yaml or .toml)")
	root.AddCommand(serveCmd(&cfgPath), recordsCmd(&cfgPath), journalCmd())
	return root
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Restore anchors and read operator commands from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger, in io.Reader, out io.Writer) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	logger.Info("starting",
		zap.String("data_dir", cfg.DataDir),
		zap.String("backend", cfg.Storage.Backend),
		zap.Strings("partitions", cfg.PartitionIDs()),
		zap.Bool("journal", cfg.Journal.Enabled))

	rep := a.reg.Load()
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Fprintf(out, "Restored %d anchors\n", rep.Loaded)
	if rep.StorageWarning != "" {
		yellow.Fprintf(out, "Stored records unreadable, starting empty: %s\n", rep.StorageWarning)
	}
	for _, s := range rep.Skipped {
		yellow.Fprintf(out, "Skipped %s (%s): %s\n", s.Name, s.PartitionID, s.Reason)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.reg.Autosave(ctx, cfg.Anchors.AutosaveInterval)

	con := console.New(a.reg, out, console.Options{
		Partition: cfg.Anchors.DefaultPartition,
		Origin:    cfg.Anchors.Origin.Vec3(),
		Color:     !color.NoColor,
		Logger:    logger,
	})
	done := make(chan error, 1)
	go func() { done <- con.Run(ctx, in) }()

	select {
	case <-ctx.Done():
		logger.Info("signal received")
	case err := <-done:
		if err != nil {
			logger.Warn("console input", zap.Error(err))
		}
	}
	cancel()
	return a.reg.Shutdown()
}

func recordsCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Print the stored anchor records without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			return printRecords(cfg, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printRecords(cfg config.Config, asJSON bool, out io.Writer) error {
	store, st, err := openRecords(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer st.Close()

	recs, warn := store.List()
	if warn != nil {
		color.New(color.FgYellow).Fprintf(out, "warning: %v\n", warn)
	}
	if asJSON {
		b, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No stored records")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(out, "%s\t%s\t%s\tr=%d\t%s\n", r.Name, r.PartitionID, r.Position(), r.Radius, r.Identity)
	}
	return nil
}

func journalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal <file-or-dir>...",
		Short: "Decode lifecycle journal files as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJournal(args, cmd.OutOrStdout())
		},
	}
}

func printJournal(paths []string, out io.Writer) error {
	enc := json.NewEncoder(out)
	for _, p := range paths {
		files := []string{p}
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			if files, err = journal.Files(p); err != nil {
				return err
			}
		}
		for _, f := range files {
			evs, err := journal.ReadFile(f)
			for _, ev := range evs {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
