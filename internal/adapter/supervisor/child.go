package supervisor

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/logger"
)

// RunAuxiliary keeps one non-persona child role (the ping responder) alive:
// spawn, wait, respawn after the standard delay. A child that stays up for a
// minute earns its crash counter back.
func RunAuxiliary(ctx context.Context, role string, extraArgs []string, log *logger.StyledLogger) error {
	binPath, err := os.Executable()
	if err != nil {
		return err
	}

	crashes := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		args := append([]string{"--role", role}, extraArgs...)
		cmd := exec.Command(binPath, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()

		startedAt := time.Now()
		if err := cmd.Start(); err != nil {
			return err
		}
		log.Info("Auxiliary process started", "child_role", role, "pid", cmd.Process.Pid)

		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(os.Interrupt)
			select {
			case <-waitErr:
			case <-time.After(constants.WorkerShutdownGrace):
				_ = cmd.Process.Kill()
			}
			return nil
		case err := <-waitErr:
			if time.Since(startedAt) > time.Minute {
				crashes = 0
			}
			crashes++
			if crashes > constants.WorkerMaxRestarts {
				log.Error("Auxiliary process crashing repeatedly, giving up",
					"child_role", role, "error", err)
				return err
			}
			log.Warn("Auxiliary process exited, restarting",
				"child_role", role, "error", err, "crashes", crashes)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(constants.WorkerRestartDelay):
			}
		}
	}
}
