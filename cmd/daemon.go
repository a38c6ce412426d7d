package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/monoco-io/monoco/internal/config"
	"github.com/monoco-io/monoco/internal/daemon"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

// stopWait bounds the SIGTERM grace before stop escalates to SIGKILL.
const stopWait = 10 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the monoco daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the current project",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	RunE:  runDaemonStatus,
}

func init() {
	daemonStartCmd.Flags().Bool("daemon", false, "run detached in the background")
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}

	if detached, _ := cmd.Flags().GetBool("daemon"); detached {
		return respawnDetached()
	}

	cleanup, err := log.Init(cfg.DaemonLog())
	if err != nil {
		return fmt.Errorf("initializing log: %w", err)
	}
	defer cleanup()

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("monoco daemon listening on port %d (pid %d)\n", d.Port(), os.Getpid())
	return d.Run(ctx)
}

// respawnDetached re-execs this binary without --daemon, in its own session,
// with stdout/stderr pointed at the daemon log.
func respawnDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DaemonLog()), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(cfg.DaemonLog(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer logFile.Close()

	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--daemon" || a == "--daemon=true" {
			continue
		}
		args = append(args, a)
	}

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Dir = cfg.ProjectRoot
	child.SysProcAttr = detachAttr()
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting detached daemon: %w", err)
	}
	fmt.Printf("monoco daemon started (pid %d), logging to %s\n", child.Process.Pid, cfg.DaemonLog())
	return child.Process.Release()
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	rec, err := daemon.ReadPIDFile(cfg.PIDFile())
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			fmt.Println("daemon is not running")
			return nil
		}
		return err
	}
	if !rec.Alive() {
		fmt.Printf("daemon pid %d is gone, removing stale pid file\n", rec.PID)
		return daemon.RemovePIDFile(cfg.PIDFile())
	}

	fmt.Printf("stopping daemon (pid %d)...\n", rec.PID)
	if err := daemon.StopProcess(cfg.PIDFile(), rec, stopWait); err != nil {
		return err
	}
	fmt.Println("daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	rec, err := daemon.ReadPIDFile(cfg.PIDFile())
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			fmt.Println("daemon is not running")
			return nil
		}
		return err
	}
	if !rec.Alive() {
		fmt.Printf("daemon is not running (stale pid file, pid %d)\n", rec.PID)
		return nil
	}

	addr := net.JoinHostPort(rec.Host, strconv.Itoa(rec.Port))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		fmt.Printf("daemon pid %d is alive but port %d is not answering\n", rec.PID, rec.Port)
		return nil
	}
	_ = conn.Close()
	fmt.Printf("daemon is running: pid %d, http://%s, up since %s\n",
		rec.PID, addr, rec.StartedAt.Format(time.RFC3339))
	return nil
}
