package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	cmd := command{out: root.OutOrStdout(), configPath: &globalFlags.ConfigPath, now: time.Now}

	root.AddCommand(
		createServeCommand(globalFlags),
		createLocksCommand(cmd),
		createRunsCommand(cmd),
		createFoldersCommand(cmd),
		createSchedulerCommand(cmd),
		createVersionCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "indexkeeper",
		Short: "Coordinated folder indexing with distributed locks and run tracking",
		Long: `Indexkeeper scans watched folders on cron schedules, coordinating with
other clients through resource locks in a shared database and recording
every indexing run.

Examples:
  indexkeeper serve --config=indexkeeper.toml
  indexkeeper folders add --path=/srv/docs --schedule="0 */6 * * *"
  indexkeeper runs list --status=failed --since=24h
  indexkeeper locks list --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// addAPIFlags registers the remote daemon connection flags.
func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of tables")
}

func mustRequire(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		if err := cmd.MarkFlagRequired(n); err != nil {
			panic(err)
		}
	}
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexkeeper daemon",
		Long: `Run the scheduler, the admin API and the health/metrics server until
interrupted. Folders listed in the config file are registered at startup.

Examples:
  indexkeeper serve --config=indexkeeper.toml
  indexkeeper serve --config=indexkeeper.toml --pidfile=/run/indexkeeper.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return runServe(*f, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "pidfile path; also guards against a second daemon")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "write logs to this file instead of stderr")
	return cmd
}

func createLocksCommand(c command) *cobra.Command {
	locks := &cobra.Command{Use: "locks", Short: "Inspect and release resource locks"}

	listFlags := &APIFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List active locks",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.LocksList(*listFlags) },
	}
	addAPIFlags(list, listFlags)

	relFlags := &APIFlags{}
	release := &cobra.Command{
		Use:   "release RESOURCE",
		Short: "Force-release a lock regardless of holder",
		Long: `Force-release a lock regardless of holder. Use it to clear locks left by a
crashed client before their TTL runs out.

Examples:
  indexkeeper locks release folder:///srv/docs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return c.LocksRelease(*relFlags, args[0]) },
	}
	addAPIFlags(release, relFlags)

	locks.AddCommand(list, release)
	return locks
}

func createRunsCommand(c command) *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Query indexing runs"}

	lf := &RunListFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Long: `List runs, newest first.

Examples:
  indexkeeper runs list
  indexkeeper runs list --status=partial --client=host-a1b2c3d4 --since=24h --limit=20`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.RunsList(*lf) },
	}
	addAPIFlags(list, &lf.APIFlags)
	list.Flags().StringVar(&lf.Status, "status", "", "filter by status (running, success, partial, failed)")
	list.Flags().StringVar(&lf.Client, "client", "", "filter by client reference")
	list.Flags().DurationVar(&lf.Since, "since", 0, "only runs started within this window (e.g. 24h)")
	list.Flags().IntVar(&lf.Offset, "offset", 0, "skip this many runs")
	list.Flags().IntVar(&lf.Limit, "limit", 50, "maximum runs to show")

	gf := &APIFlags{}
	get := &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show one run with its errors",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.RunsGet(*gf, args[0]) },
	}
	addAPIFlags(get, gf)

	runs.AddCommand(list, get)
	return runs
}

func createFoldersCommand(c command) *cobra.Command {
	folders := &cobra.Command{Use: "folders", Short: "Manage watched folders"}

	lf := &APIFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List watched folders with their schedule state",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.FoldersList(*lf) },
	}
	addAPIFlags(list, lf)

	af := &FolderAddFlags{}
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a watched folder",
		Long: `Register a watched folder with a 5-field cron schedule or a descriptor
such as @hourly.

Examples:
  indexkeeper folders add --path=/srv/docs --schedule="0 */6 * * *"
  indexkeeper folders add --path=/srv/wiki --schedule=@daily --meta=team=docs --disabled`,
		RunE: func(cmd *cobra.Command, args []string) error { return c.FoldersAdd(*af) },
	}
	addAPIFlags(add, &af.APIFlags)
	add.Flags().StringVar(&af.Path, "path", "", "absolute folder path (required)")
	add.Flags().StringVar(&af.Schedule, "schedule", "", "cron expression (required)")
	add.Flags().BoolVar(&af.Disabled, "disabled", false, "register without scheduling")
	add.Flags().StringVar(&af.ClientRef, "client-ref", "", "owning client reference")
	add.Flags().StringArrayVar(&af.Metadata, "meta", nil, "metadata key=value (repeatable)")
	mustRequire(add, "path", "schedule")

	folders.AddCommand(list, add,
		folderPathCommand("enable", "Enable scheduled scans of a folder", func(f APIFlags, p string) error {
			return c.FoldersSetEnabled(f, p, true)
		}),
		folderPathCommand("disable", "Stop scheduled scans of a folder", func(f APIFlags, p string) error {
			return c.FoldersSetEnabled(f, p, false)
		}),
		folderPathCommand("scan", "Scan a folder now and wait for the result", c.FoldersScan),
		folderPathCommand("remove", "Unregister a watched folder", c.FoldersRemove),
	)
	return folders
}

func folderPathCommand(use, short string, run func(APIFlags, string) error) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   use + " PATH",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return run(*f, args[0]) },
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createSchedulerCommand(c command) *cobra.Command {
	sched := &cobra.Command{Use: "scheduler", Short: "Control the daemon's folder scheduler"}

	sf := &APIFlags{}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler state and per-folder next runs",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.SchedulerStatus(*sf) },
	}
	addAPIFlags(status, sf)

	startFlags := &APIFlags{}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the scheduler loop",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.SchedulerStart(*startFlags) },
	}
	addAPIFlags(start, startFlags)

	stopFlags := &APIFlags{}
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the scheduler loop after in-flight scans finish",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.SchedulerStop(*stopFlags) },
	}
	addAPIFlags(stop, stopFlags)

	sched.AddCommand(status, start, stop)
	return sched
}

func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run:   func(cmd *cobra.Command, args []string) { c.printf("indexkeeper %s\n", version) },
	}
}
