// Package console is the operator front-end: one command per input line,
// parsed with a fresh cobra tree and answered in plain text.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"anchorkeep.ai/internal/anchor"
	"anchorkeep.ai/internal/registry"
	"anchorkeep.ai/internal/spatial"
)

type Options struct {
	// Partition and Origin are used when spawn omits them.
	Partition string
	Origin    spatial.Vec3
	Color     bool
	Logger    *zap.Logger
}

type Console struct {
	reg  *registry.Registry
	opts Options
	out  io.Writer
	log  *zap.Logger

	name *color.Color
	ok   *color.Color
	warn *color.Color
	fail *color.Color
}

func New(reg *registry.Registry, out io.Writer, opts Options) *Console {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Console{
		reg:  reg,
		opts: opts,
		out:  out,
		log:  logger.With(zap.String("component", "console")),
		name: color.New(color.FgCyan, color.Bold),
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed),
	}
	for _, col := range []*color.Color{c.name, c.ok, c.warn, c.fail} {
		if opts.Color {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

// commandError marks failures reported by the registry, as opposed to
// command line parse errors.
type commandError struct{ err error }

func (e commandError) Error() string { return e.err.Error() }
func (e commandError) Unwrap() error { return e.err }

// Exec runs one line. The outcome, including any error, is written to the
// console output; the error is also returned.
func (c *Console) Exec(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	root := c.rootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return nil
	}
	code := anchor.CodeBadRequest
	var ce commandError
	if errors.As(err, &ce) {
		code = anchor.Code(ce.err)
	}
	c.fail.Fprintf(c.out, "%s: %s\n", code, err.Error())
	c.log.Debug("command failed", zap.String("line", line), zap.String("code", code), zap.Error(err))
	return err
}

// Run executes lines from in until EOF, "quit", or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "quit", "exit":
			return nil
		}
		_ = c.Exec(line)
	}
	return sc.Err()
}

func (c *Console) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "anchorkeep",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.SetErr(c.out)
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		c.spawnCmd(),
		c.killCmd(),
		c.forgetCmd(),
		c.listCmd(),
		c.recordsCmd(),
		c.saveCmd(),
		c.statusCmd(),
	)
	return root
}

func (c *Console) spawnCmd() *cobra.Command {
	var (
		partition string
		radius    int
	)
	cmd := &cobra.Command{
		Use:   "spawn [-w world] [-r radius] <name> [x y z]",
		Short: "Spawn an anchor, or move it if it is already live",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 4 {
				return fmt.Errorf("spawn takes a name and optionally x y z")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			req := registry.SpawnRequest{
				Name:        args[0],
				PartitionID: c.opts.Partition,
				Position:    c.opts.Origin,
			}
			if partition != "" {
				req.PartitionID = partition
			}
			if len(args) == 4 {
				pos, err := parseVec3(args[1:])
				if err != nil {
					return commandError{err}
				}
				req.Position = pos
			}
			if cmd.Flags().Changed("radius") {
				req.Radius = &radius
			}
			res, err := c.reg.Spawn(req)
			if err != nil {
				return commandError{err}
			}
			verb := "Moved"
			if res.Created {
				verb = "Spawned"
			}
			a := res.Agent
			c.ok.Fprintf(c.out, "%s ", verb)
			fmt.Fprintf(c.out, "%s in %s at %s, holding %d cells around %s\n",
				c.name.Sprint(a.Name), a.PartitionID, a.Position, a.Cells, a.Cell)
			return nil
		},
	}
	cmd.Flags().StringVarP(&partition, "world", "w", "", "partition to spawn in")
	cmd.Flags().IntVarP(&radius, "radius", "r", 0, "footprint radius in cells")
	// Flags end at the name so negative coordinates stay positional.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (c *Console) killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <name>",
		Short: "Remove a live anchor and its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.reg.Kill(args[0]); err != nil {
				return commandError{err}
			}
			c.ok.Fprint(c.out, "Killed ")
			fmt.Fprintln(c.out, c.name.Sprint(args[0]))
			return nil
		},
	}
}

func (c *Console) forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <name>",
		Short: "Drop the record of an anchor that is not live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.reg.Forget(args[0]); err != nil {
				return commandError{err}
			}
			c.ok.Fprint(c.out, "Forgot ")
			fmt.Fprintln(c.out, c.name.Sprint(args[0]))
			return nil
		},
	}
}

func (c *Console) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live anchors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agents := c.reg.List()
			if len(agents) == 0 {
				fmt.Fprintln(c.out, "No live anchors")
				return nil
			}
			for _, a := range agents {
				fmt.Fprintf(c.out, "%s %s at %s cell %s r=%d (%d cells)\n",
					c.name.Sprint(a.Name), a.PartitionID, a.Position, a.Cell, a.Radius, a.Cells)
			}
			return nil
		},
	}
}

func (c *Console) recordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "records",
		Short: "List stored anchor records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, warn := c.reg.Records()
			if warn != nil {
				c.warn.Fprintf(c.out, "warning: %v\n", warn)
			}
			if len(recs) == 0 {
				fmt.Fprintln(c.out, "No stored records")
				return nil
			}
			live := map[string]bool{}
			for _, a := range c.reg.List() {
				live[anchor.Key(a.Name)] = true
			}
			for _, r := range recs {
				state := "stored"
				if live[r.Key()] {
					state = "live"
				}
				fmt.Fprintf(c.out, "%s %s at %s r=%d [%s]\n",
					c.name.Sprint(r.Name), r.PartitionID, r.Position(), r.Radius, state)
			}
			return nil
		},
	}
}

func (c *Console) saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Write all records now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.reg.Save(); err != nil {
				return commandError{err}
			}
			c.ok.Fprintf(c.out, "Saved %d records\n", c.reg.Stats().Records)
			return nil
		},
	}
}

func (c *Console) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registry counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := c.reg.Stats()
			fmt.Fprintf(c.out, "live=%d records=%d owners=%d active_cells=%d\n",
				s.Live, s.Records, s.Owners, s.ActiveCells)
			return nil
		},
	}
}

func parseVec3(args []string) (spatial.Vec3, error) {
	var v [3]float64
	for i, s := range args {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return spatial.Vec3{}, fmt.Errorf("%w: %q is not a number", anchor.ErrInvalidPosition, s)
		}
		v[i] = f
	}
	return spatial.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}
