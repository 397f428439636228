// Command nosvctl is an administrative client for nosvd: it reports the
// topology the daemon built, the processes currently attached to it, and
// can attach a short-lived process of its own to run a handful of
// synthetic tasks (SPEC_FULL.md supplemented operator tooling). It
// replaces the teacher's flag-dispatched perflock command with a
// github.com/spf13/cobra subcommand tree, matching the richer CLIs in
// the examples pack (containers-nri-plugins, intel-cri-resource-manager)
// now that it has grown real subcommands instead of one flag-selected
// action.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aclements/nosv/internal/topology"
)

var gVerbose bool
var gSocket string

// addPersistentFlags registers the flags shared by every subcommand
// directly against a *pflag.FlagSet, the pattern the other cobra-based
// examples in the pack (intel-cri-resource-manager, containers-nri-
// plugins) use for an AddFlags-style helper instead of calling through
// cobra.Command's embedded accessor at each call site.
func addPersistentFlags(flags *pflag.FlagSet) {
	flags.StringVar(&gSocket, "socket", "/var/run/nosvd.socket", "connect to nosvd's socket at `path`")
	flags.BoolVarP(&gVerbose, "verbose", "v", false, "log request/response traffic to stderr")
}

func main() {
	root := &cobra.Command{
		Use:           "nosvctl",
		Short:         "operator CLI for the nosv co-execution tasking daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	addPersistentFlags(root.PersistentFlags())

	root.AddCommand(newTopologyCmd(), newPSCmd(), newAttachCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func vlog(format string, a ...interface{}) {
	if gVerbose {
		fmt.Fprintf(os.Stderr, format, a...)
	}
}

func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology [level]",
		Short: "dump the five-level locality tree nosvd built",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(gSocket)
			defer c.close()
			levels := []topology.Level{
				topology.LevelNode, topology.LevelNUMA, topology.LevelComplexSet,
				topology.LevelCore, topology.LevelCPU,
			}
			if len(args) > 0 {
				l, ok := parseLevel(args[0])
				if !ok {
					return fmt.Errorf("unknown topology level %q", args[0])
				}
				levels = []topology.Level{l}
			}
			printTopology(c, levels)
			return nil
		},
	}
	return cmd
}

func printTopology(c *client, levels []topology.Level) {
	for _, l := range levels {
		n := c.topologyCount(int(l))
		fmt.Printf("%s: %d domain(s)\n", l, n)
		for id := 0; id < n; id++ {
			resp := c.topologyDomain(int(l), id)
			if resp.Err != "" {
				fmt.Printf("  [%d] error: %s\n", id, resp.Err)
				continue
			}
			d := resp.Domain
			fmt.Printf("  [%d] system_id=%d logical_cpus=%s system_cpus=%s\n",
				d.LogicalID, d.SystemID, d.LogicalCPUs, d.SystemCPUs)
		}
	}
}

func parseLevel(s string) (topology.Level, bool) {
	switch strings.ToLower(s) {
	case "node":
		return topology.LevelNode, true
	case "numa":
		return topology.LevelNUMA, true
	case "complex_set", "complexset", "complex":
		return topology.LevelComplexSet, true
	case "core":
		return topology.LevelCore, true
	case "cpu":
		return topology.LevelCPU, true
	default:
		return 0, false
	}
}

func newPSCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "list processes attached to nosvd and the CPUs each owns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(gSocket)
			defer c.close()
			procs := c.ps()
			if len(procs) == 0 {
				fmt.Println("no processes attached")
				return nil
			}
			fmt.Printf("%-10s %-8s %s\n", "PID", "TASKS", "CPUS")
			for _, p := range procs {
				fmt.Printf("%-10d %-8d %s\n", p.Pid, p.TaskCount, p.OwnedCPUs)
			}
			return nil
		},
	}
}

func newAttachCmd() *cobra.Command {
	var numTasks int
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "attach as a process, submit a few no-op tasks, and detach",
		Long: "attach registers this invocation of nosvctl with nosvd as a\n" +
			"participating process, submits numTasks trivial tasks to exercise\n" +
			"the scheduler end to end, waits for them, and detaches.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(numTasks)
		},
	}
	cmd.Flags().IntVar(&numTasks, "tasks", 4, "number of no-op tasks to submit")
	return cmd
}
