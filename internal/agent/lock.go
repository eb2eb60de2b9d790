package agent

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// LockTimeout bounds the platform lock command; it runs on the capture loop.
const LockTimeout = 3 * time.Second

// LockScreen locks the interactive session with the platform tool.
func LockScreen() error {
	name, args, err := lockCommand(runtime.GOOS)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()
	return runLock(ctx, name, args...)
}

func lockCommand(goos string) (string, []string, error) {
	switch goos {
	case "windows":
		return "rundll32.exe", []string{"user32.dll,LockWorkStation"}, nil
	case "linux":
		return "loginctl", []string{"lock-session"}, nil
	case "darwin":
		return "pmset", []string{"displaysleepnow"}, nil
	default:
		return "", nil, fmt.Errorf("screen lock not supported on %s", goos)
	}
}

func runLock(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w (%s)", name, err, out)
	}
	return nil
}
