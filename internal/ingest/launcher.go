package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/knectardev/stonxx/internal/domain"
)

// Launcher starts catch-up and backfill work as an independent child process
// running the stonxx-ingest binary, so ingestion can outlive and never block
// the serving path. It does not wait for completion and does not track it —
// the run ledger, polled separately, is the source of truth for progress.
type Launcher struct {
	binPath    string
	configPath string
	log        *slog.Logger
}

// NewLauncher creates a Launcher that spawns binPath with --config
// configPath (omitted when configPath is empty).
func NewLauncher(binPath, configPath string) *Launcher {
	return &Launcher{
		binPath:    binPath,
		configPath: configPath,
		log:        slog.Default().With("component", "launcher"),
	}
}

// LaunchCatchup spawns a catch-up for the given timeframes (all three when
// tfs is empty). It returns once the child process has started.
func (l *Launcher) LaunchCatchup(tfs []domain.Timeframe) error {
	return l.launch(catchupArgs(tfs))
}

// LaunchBackfill spawns a coarse-resolution historical backfill.
func (l *Launcher) LaunchBackfill() error {
	return l.launch([]string{"--mode", "backfill"})
}

func (l *Launcher) launch(args []string) error {
	if l.configPath != "" {
		args = append(args, "--config", l.configPath)
	}

	cmd := exec.Command(l.binPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", l.binPath, err)
	}
	l.log.Info("launched ingest process", "pid", cmd.Process.Pid, "args", args)

	// Reap the child when it exits; its outcome lives in the run ledger.
	go func() {
		if err := cmd.Wait(); err != nil {
			l.log.Warn("ingest process exited with error", "pid", cmd.Process.Pid, "error", err)
		}
	}()
	return nil
}

func catchupArgs(tfs []domain.Timeframe) []string {
	args := []string{"--mode", "catchup"}
	if len(tfs) > 0 {
		strs := make([]string, len(tfs))
		for i, tf := range tfs {
			strs[i] = string(tf)
		}
		args = append(args, "--tfs", strings.Join(strs, ","))
	}
	return args
}

// DefaultIngestBin resolves the stonxx-ingest binary next to the current
// executable, falling back to a PATH lookup.
func DefaultIngestBin() string {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "stonxx-ingest")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "stonxx-ingest"
}
