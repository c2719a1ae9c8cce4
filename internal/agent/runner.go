package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/me/gpubroker/pkg/model"
)

// Runner executes one job's payload and returns its result. The context
// is cancelled when the broker signals a cancel or the runtime limit is
// reached; implementations must kill the workload then.
type Runner interface {
	Run(ctx context.Context, job *model.Job, workDir string) (*model.JobResult, error)
}

// ExecRunner runs job commands through the shell, optionally inside a
// container when the job names a docker image. Stdout and stderr go to
// output.log in the job's work directory.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, job *model.Job, workDir string) (*model.JobResult, error) {
	logPath := filepath.Join(workDir, "output.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create log: %w", err)
	}
	defer logFile.Close()

	var cmd *exec.Cmd
	if job.DockerImage != "" {
		cmd = exec.CommandContext(ctx, "docker", "run", "--rm", "--gpus", "all",
			"-v", workDir+":/workspace", "-w", "/workspace",
			job.DockerImage, "sh", "-c", job.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", job.Command)
		cmd.Dir = workDir
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	runErr := cmd.Run()

	exitCode := 0
	result := &model.JobResult{}
	if runErr != nil {
		// A kill from cancellation or the runtime limit surfaces as an
		// exit error too; report it as the context failure it is.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("command exited with code %d", exitCode)
		} else {
			// Infrastructure failure (binary missing, context cancelled).
			return nil, runErr
		}
	}
	result.ExitCode = &exitCode
	return result, nil
}
