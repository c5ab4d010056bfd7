// planter is the CLI client for planterd.
//
// Usage:
//
//	planter version
//	planter health
//	planter create --name <name>
//	planter run <cell_id> -- <argv...>
//	planter logs <job_id> [-f] [--stderr] [--offset N]
//	planter job status <job_id>
//	planter job kill <job_id> [--force]
//	planter cell rm <cell_id> [--force]
//	planter session open [--shell <path>]
//	planter session attach <session_id>
//
// A global --socket flag overrides the daemon socket path. Exit codes:
// 0 success, 1 daemon-reported error, 2 transport error, 64 usage error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ianremillard/planter/internal/cliclient"
	"github.com/ianremillard/planter/internal/perr"
	"github.com/ianremillard/planter/internal/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "planter: %v\n", err)
		os.Exit(exitCodeForCommandErr(err))
	}
}

// exitCodeForCommandErr maps a cobra.Execute error to the documented exit
// code policy. Every daemon/transport failure reaches here wrapped as
// *perr.Error by cliclient; anything else (bad flags, wrong arg count, an
// unknown subcommand, or our own newUsageError) is a usage error.
func exitCodeForCommandErr(err error) int {
	if code := cliclient.ExitCode(err); isPerrError(err) {
		return code
	}
	return 64
}

func newUsageError(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

func isPerrError(err error) bool {
	var pe *perr.Error
	return errors.As(err, &pe)
}

var rootCmd = &cobra.Command{
	Use:           "planter",
	Short:         "planter is the CLI client for planterd",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/planterd.sock", "daemon control socket path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(cellCmd)
	rootCmd.AddCommand(sessionCmd)

	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobKillCmd)
	jobKillCmd.Flags().Bool("force", false, "send SIGKILL instead of SIGTERM")

	cellCmd.AddCommand(cellRmCmd)
	cellRmCmd.Flags().Bool("force", false, "remove the cell even if jobs or sessions are still active")

	sessionCmd.AddCommand(sessionOpenCmd)
	sessionOpenCmd.Flags().String("shell", "", "shell program to launch (default: $SHELL or /bin/sh)")
	sessionCmd.AddCommand(sessionAttachCmd)

	createCmd.Flags().String("name", "", "cell name")

	logsCmd.Flags().BoolP("follow", "f", false, "follow log output as it is produced")
	logsCmd.Flags().Bool("stderr", false, "read the stderr stream instead of stdout")
	logsCmd.Flags().Uint64("offset", 0, "byte offset to start reading from")
}

func dial() *cliclient.Client { return cliclient.Dial(socketPath) }

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print client and daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := dial()
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := c.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("planter client, daemon %s (protocol %d)\n", v.Daemon, v.Protocol)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := dial()
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		if !h.OK {
			return fmt.Errorf("daemon reports unhealthy")
		}
		fmt.Println("ok")
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "create a new cell",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		c := dial()
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := c.CellCreate(ctx, name)
		if err != nil {
			return err
		}
		fmt.Println(res.CellID)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <cell_id> -- <argv...>",
	Short: "run a command in a cell",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cellID := args[0]
		argv := args[1:]
		if len(argv) == 0 {
			return newUsageError("run: missing command after %q", cellID)
		}
		c := dial()
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := c.JobRun(ctx, cellID, protocol.CommandSpec{Argv: argv})
		if err != nil {
			return err
		}
		fmt.Println(res.JobID)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "read a job's buffered stdout/stderr",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		follow, _ := cmd.Flags().GetBool("follow")
		stderr, _ := cmd.Flags().GetBool("stderr")
		offset, _ := cmd.Flags().GetUint64("offset")

		stream := "stdout"
		if stderr {
			stream = "stderr"
		}

		c := dial()
		defer c.Close()

		for {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			waitMs := uint32(0)
			if follow {
				waitMs = 5000
			}
			chunk, err := c.LogsRead(ctx, protocol.LogsRead{
				JobID:    jobID,
				Stream:   stream,
				Offset:   offset,
				MaxBytes: 65536,
				Follow:   follow,
				WaitMs:   waitMs,
			})
			cancel()
			if err != nil {
				return err
			}
			if len(chunk.Bytes) > 0 {
				os.Stdout.Write(chunk.Bytes)
			}
			offset = chunk.NextOffset
			if chunk.EOF {
				return nil
			}
			if !follow {
				return nil
			}
		}
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "inspect or control jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "print a job's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := dial()
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		state, err := c.JobStatus(ctx, args[0])
		if err != nil {
			return err
		}
		printJobInfo(state.Job)
		return nil
	},
}

var jobKillCmd = &cobra.Command{
	Use:   "kill <job_id>",
	Short: "terminate a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c := dial()
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := c.JobKill(ctx, args[0], force)
		if err != nil {
			return err
		}
		printJobInfo(res.Job)
		return nil
	},
}

var cellCmd = &cobra.Command{
	Use:   "cell",
	Short: "manage cells",
}

var cellRmCmd = &cobra.Command{
	Use:   "rm <cell_id>",
	Short: "remove a cell",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c := dial()
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.CellRemove(ctx, args[0], force)
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "manage interactive PTY sessions",
}

var sessionOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "open a new PTY session and print its session id",
	RunE: func(cmd *cobra.Command, args []string) error {
		shell, _ := cmd.Flags().GetString("shell")
		if shell == "" {
			shell = os.Getenv("SHELL")
		}
		if shell == "" {
			shell = "/bin/sh"
		}
		cols, rows := uint16(80), uint16(24)
		if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			cols, rows = uint16(c), uint16(r)
		}

		c := dial()
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := c.PtyOpen(ctx, protocol.ShellSpec{Program: shell, Cols: cols, Rows: rows})
		if err != nil {
			return err
		}
		fmt.Println(res.SessionID)
		return nil
	},
}

var sessionAttachCmd = &cobra.Command{
	Use:   "attach <session_id>",
	Short: "attach the controlling terminal to a PTY session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, rows := uint16(0), uint16(0)
		if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			cols, rows = uint16(c), uint16(r)
		}
		return cliclient.Attach(context.Background(), socketPath, args[0], cols, rows)
	},
}

func printJobInfo(j protocol.JobInfo) {
	fmt.Printf("job:    %s\n", j.ID)
	fmt.Printf("cell:   %s\n", j.CellID)
	fmt.Printf("state:  %s\n", j.State)
	if j.HasExitCode {
		fmt.Printf("exit:   %d\n", j.ExitCode)
	}
	if j.TerminationReason != "" {
		fmt.Printf("reason: %s\n", j.TerminationReason)
	}
}
