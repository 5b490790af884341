package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/zetina-go/zetina/x/job"
)

// writeFakeBinary drops a tiny shell script masquerading as cairo-run: it
// writes placeholder bytes to every --air_*/--trace_file/--memory_file
// path it's given, then exits with exitCode. Letting tests drive a real
// child process (rather than mocking exec.Cmd) exercises the actual
// argv construction and wait/abort plumbing.
func writeFakeBinary(t *testing.T, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary script is POSIX shell only")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "cairo-run")
	script := fmt.Sprintf(`#!/bin/sh
set -e
while [ "$#" -gt 0 ]; do
  case "$1" in
    --air_public_input) echo "n_steps=1024" > "$2" ;;
    --air_private_input) echo "private" > "$2" ;;
    --trace_file) echo "trace" > "$2" ;;
    --memory_file) echo "memory" > "$2" ;;
  esac
  shift
done
exit %d
`, exitCode)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFakeProgram(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "program.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	return path
}

func testJob(t *testing.T) job.Job {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	j, err := job.Sign(priv, job.Data{Reward: 1, NumOfSteps: 1024, CairoPieCompressed: []byte("pie-bytes")})
	require.NoError(t, err)
	return j
}

func TestRunner_SuccessProducesTrace(t *testing.T) {
	r := New(Config{
		ProgramPath: writeFakeProgram(t),
		BinaryPath:  writeFakeBinary(t, 0),
	})
	executorKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	proc := r.Run(executorKey, testJob(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trace, err := proc.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, trace)
	defer trace.Close()

	require.NotNil(t, trace.AirPublicInput)
	require.NotNil(t, trace.AirPrivateInput)
	require.NotNil(t, trace.Memory)
	require.NotNil(t, trace.Trace)
}

func TestRunner_NonZeroExitReturnsTaskTerminated(t *testing.T) {
	r := New(Config{
		ProgramPath: writeFakeProgram(t),
		BinaryPath:  writeFakeBinary(t, 1),
	})
	executorKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	proc := r.Run(executorKey, testJob(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = proc.Wait(ctx)
	require.ErrorIs(t, err, ErrTaskTerminated)
}

func TestRunner_AbortKillsChildAndReturnsTaskTerminated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cairo-run")
	// a script that sleeps well past the test's patience if not killed.
	script := "#!/bin/sh\nsleep 30\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	r := New(Config{ProgramPath: writeFakeProgram(t), BinaryPath: path})
	executorKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	proc := r.Run(executorKey, testJob(t))
	time.Sleep(100 * time.Millisecond)
	proc.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = proc.Wait(ctx)
	require.ErrorIs(t, err, ErrTaskTerminated)
}
