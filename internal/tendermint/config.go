package tendermint

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const stopTimeout = 15 * time.Second

// InitTendermint initializes a Tendermint home directory with config and
// genesis files by running `tendermint init --home <tmHome>`. An already
// initialized home is left untouched.
func InitTendermint(ctx context.Context, tmHome string, out io.Writer) error {
	if tmHome == "" {
		tmHome = TendermintHome()
	}

	configFile := filepath.Join(tmHome, "config", "config.toml")
	if _, err := os.Stat(configFile); err == nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, "tendermint", "init", "--home", tmHome)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to initialize Tendermint: %w", err)
	}

	return nil
}

// NodeCommand returns the command that starts a Tendermint node connected to
// the ABCI server at socketAddr.
func NodeCommand(ctx context.Context, tmHome, socketAddr string, out io.Writer) *exec.Cmd {
	if tmHome == "" {
		tmHome = TendermintHome()
	}

	if socketAddr == "" {
		socketAddr = "unix://exoneum.sock"
	}

	cmd := exec.CommandContext(ctx, "tendermint", "node",
		"--home", tmHome,
		"--proxy_app", socketAddr,
	)
	cmd.Stdout = out
	cmd.Stderr = out
	// Let tendermint flush its stores when ctx ends; kill it if it hangs.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopTimeout

	return cmd
}

// TendermintHome returns the default Tendermint home directory.
func TendermintHome() string {
	if home := os.Getenv("TMHOME"); home != "" {
		return home
	}
	return filepath.Join(os.Getenv("HOME"), ".tendermint")
}
