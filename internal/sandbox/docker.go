package sandbox

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/ManuGH/rlmd/internal/config"
)

const containerWorkerPath = "/rlm-sandbox"

// DockerOptions configures the docker launcher.
type DockerOptions struct {
	// Docker is the CLI binary; defaults to "docker".
	Docker      string
	Binary      string
	Image       string
	Runtime     string
	Network     string
	Memory      string
	CPUs        float64
	ExecTimeout time.Duration
	StopGrace   time.Duration
}

type dockerLauncher struct {
	opts DockerOptions
}

// NewDockerLauncher runs each interpreter in a throwaway container, by
// default under the gVisor runsc runtime with networking disabled. The
// rlm-sandbox binary is bind-mounted read-only.
func NewDockerLauncher(opts DockerOptions) Launcher {
	if opts.Docker == "" {
		opts.Docker = "docker"
	}
	return &dockerLauncher{opts: opts}
}

func (l *dockerLauncher) Name() string { return config.LauncherDocker }

func (l *dockerLauncher) Launch(ctx context.Context) (Handle, error) {
	cmd := exec.Command(l.opts.Docker, l.args()...)
	// The CLI needs DOCKER_HOST and friends; the container gets no env.
	cmd.Env = os.Environ()
	return startChild(ctx, l.Name(), cmd, l.opts.StopGrace)
}

func (l *dockerLauncher) args() []string {
	args := []string{"run", "--rm", "-i", "--init",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if l.opts.Runtime != "" {
		args = append(args, "--runtime="+l.opts.Runtime)
	}
	if l.opts.Network != "" {
		args = append(args, "--network", l.opts.Network)
	}
	if l.opts.Memory != "" {
		args = append(args, "--memory", l.opts.Memory)
	}
	if l.opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(l.opts.CPUs, 'f', -1, 64))
	}
	args = append(args,
		"-v", l.opts.Binary+":"+containerWorkerPath+":ro",
		l.opts.Image,
		containerWorkerPath,
	)
	return append(args, workerArgs(l.opts.ExecTimeout)...)
}
