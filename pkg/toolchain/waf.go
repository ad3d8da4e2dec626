// Package toolchain drives the external firmware build system. The
// orchestrator treats it as an opaque child process: configuration in,
// exit code plus log stream plus output files out.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// SuccessMarker is the final log line written after a successful build.
const SuccessMarker = "done build"

// Invocation carries everything one build run needs.
type Invocation struct {
	SourceDir string
	BuildDir  string // waf --out directory, scanned for artifacts afterwards
	Board     string
	Vehicle   string
	HwdefPath string
	Log       io.Writer
}

// ExitError reports a toolchain step that exited non-zero.
type ExitError struct {
	Step string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("toolchain step %q exited with code %d", e.Step, e.Code)
}

// Runner executes the toolchain for one configured workspace.
type Runner interface {
	Build(ctx context.Context, inv Invocation) error
}

// WafRunner runs the waf build system the way the hosted compiler image
// lays it out: compiler binaries and ccache relative to the app directory.
type WafRunner struct {
	AppDir string
	Grace  time.Duration // SIGTERM-to-SIGKILL window on cancellation
	Log    logrus.FieldLogger
}

func (r *WafRunner) Build(ctx context.Context, inv Invocation) error {
	fmt.Fprintf(inv.Log, "Setting vehicle to: %s\n", inv.Vehicle)

	steps := []struct {
		name string
		args []string
	}{
		{"waf configure", []string{"python3", "./waf", "configure",
			"--board", inv.Board,
			"--out", inv.BuildDir,
			"--extra-hwdef", inv.HwdefPath,
		}},
		{"waf clean", []string{"python3", "./waf", "clean"}},
		{"waf build", []string{"python3", "./waf", inv.Vehicle}},
	}

	env := r.buildEnv()
	for _, step := range steps {
		r.Log.WithField("step", step.name).Info("running toolchain step")
		fmt.Fprintf(inv.Log, "Running %s\n", step.name)
		if err := runStep(ctx, inv, step.name, step.args, env, r.Grace); err != nil {
			return err
		}
	}

	fmt.Fprintf(inv.Log, "%s\n", SuccessMarker)
	return nil
}

func runStep(ctx context.Context, inv Invocation, name string, args, env []string, grace time.Duration) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = inv.SourceDir
	cmd.Env = env
	cmd.Stdout = inv.Log
	cmd.Stderr = inv.Log
	// Cooperative shutdown: signal first, kill after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	err := cmd.Run()
	if err == nil {
		return nil
	}
	// Cancellation and timeout take precedence over the exit status the
	// signal produced.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Step: name, Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("run %s: %w", name, err)
}

// buildEnv prepends the bundled compiler toolchains to PATH and points
// ccache at the shared cache directory.
func (r *WafRunner) buildEnv() []string {
	bindir1 := filepath.Join(r.AppDir, "..", "bin")
	bindir2 := filepath.Join(r.AppDir, "..", "gcc", "bin")
	cachedir := filepath.Join(r.AppDir, "..", "cache")

	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			out = append(out, "PATH="+bindir1+":"+bindir2+":"+kv[5:])
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "CCACHE_DIR="+cachedir)
	return out
}

// FindArtifacts returns the firmware files produced under the build
// directory for the board, newest directory layout first. The toolchain
// writes binaries to <out>/<board>/bin.
func FindArtifacts(buildDir, board string) ([]string, error) {
	binDir := filepath.Join(buildDir, board, "bin")
	entries, err := os.ReadDir(binDir)
	if err != nil {
		return nil, fmt.Errorf("scan toolchain output: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, filepath.Join(binDir, e.Name()))
	}
	return files, nil
}
