package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func readAll(t *testing.T, p *Process) []string {
	t.Helper()
	var lines []string
	for {
		line, err := p.ReadLine()
		if errors.Is(err, io.EOF) {
			return lines
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}
}

func TestStart_StdinPromptCombinedOutput(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `
read prompt
echo "{\"prompt\":\"$prompt\"}"
echo "to stderr" >&2
printf "no newline"
`)
	tmp := t.TempDir()
	p, err := Start(context.Background(), Spec{
		Command:    script,
		Prompt:     "hello world\n",
		PromptMode: PromptStdin,
		TempDir:    tmp,
	})
	require.NoError(t, err)
	defer p.Close()

	require.FileExists(t, p.PromptPath())
	assert.Equal(t, tmp, filepath.Dir(p.PromptPath()))
	info, err := os.Stat(p.PromptPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	lines := readAll(t, p)
	assert.Equal(t, []string{`{"prompt":"hello world"}`, "to stderr", "no newline"}, lines)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	require.NoError(t, p.Close())
	assert.NoFileExists(t, p.PromptPath())
	require.NoError(t, p.Close(), "Close must be idempotent")
}

func TestStart_FileArgPrompt(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `cat "$2"; echo; echo "$3"`)
	p, err := Start(context.Background(), Spec{
		Command:    script,
		Args:       []string{"--flag", PromptFileToken, "--out=" + PromptFileToken},
		Prompt:     "from file",
		PromptMode: PromptFileArg,
		TempDir:    t.TempDir(),
	})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, p.PromptPath(), p.Args()[1])
	assert.Equal(t, []string{"from file", "--out=" + p.PromptPath()}, readAll(t, p))
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestStart_ArgPrompt(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "last=$2"`)
	p, err := Start(context.Background(), Spec{
		Command: script,
		Args:    []string{"run"},
		Prompt:  "do it",
	})
	require.NoError(t, err)
	defer p.Close()

	assert.Empty(t, p.PromptPath())
	assert.Equal(t, []string{"last=do it"}, readAll(t, p))
}

func TestStart_EnvOverlay(t *testing.T) {
	t.Setenv("RUNNER_TEST_KEEP", "base")
	t.Setenv("RUNNER_TEST_OVERRIDE", "base")

	script := writeScript(t, `echo "$RUNNER_TEST_KEEP $RUNNER_TEST_OVERRIDE $RUNNER_TEST_NEW"`)
	p, err := Start(context.Background(), Spec{
		Command: script,
		Env:     map[string]string{"RUNNER_TEST_OVERRIDE": "over", "RUNNER_TEST_NEW": "new"},
	})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, []string{"base over new"}, readAll(t, p))
}

func TestStart_NonZeroExitAndTail(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "boom"; exit 3`)
	p, err := Start(context.Background(), Spec{Command: script, TailBytes: 64})
	require.NoError(t, err)
	defer p.Close()

	readAll(t, p)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "boom\n", string(p.Tail()))
}

func TestStart_CommandNotFound(t *testing.T) {
	t.Parallel()

	_, err := Start(context.Background(), Spec{Command: "definitely-not-a-real-cli-xyz"})

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.True(t, spawnErr.NotFound)
	assert.Equal(t, "command not found: definitely-not-a-real-cli-xyz", err.Error())
}

func TestStart_NotExecutable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	tmp := t.TempDir()

	_, err := Start(context.Background(), Spec{Command: path, PromptMode: PromptStdin, TempDir: tmp})

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	entries, _ := os.ReadDir(tmp)
	assert.Empty(t, entries, "prompt file must not outlive a failed spawn")
}

func TestStart_SlowReaderGetsAllOutput(t *testing.T) {
	t.Parallel()

	// About 60KB: fits the pipe buffer, so the tool exits long before the
	// reader catches up.
	script := writeScript(t, `
i=0
while [ $i -lt 1500 ]; do
  echo "line $i xxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
  i=$((i+1))
done
`)
	p, err := Start(context.Background(), Spec{Command: script, StopGrace: 200 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	first, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "line 0 xxxxxxxxxxxxxxxxxxxxxxxxxxxxx", first)

	require.Eventually(t, p.Exited, 5*time.Second, 10*time.Millisecond)
	time.Sleep(time.Second)

	lines := append([]string{first}, readAll(t, p)...)
	require.Len(t, lines, 1500)
	assert.Equal(t, "line 1499 xxxxxxxxxxxxxxxxxxxxxxxxxxxxx", lines[len(lines)-1])

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestStart_BackgroundChildDoesNotHoldOutput(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `sleep 30 &
echo done
`)
	p, err := Start(context.Background(), Spec{Command: script, StopGrace: 200 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	assert.Equal(t, []string{"done"}, readAll(t, p))
	assert.Less(t, time.Since(start), 10*time.Second)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestStop_TerminatesGroup(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `sleep 30 & echo started; wait`)
	p, err := Start(context.Background(), Spec{Command: script, StopGrace: 200 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	line, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "started", line)

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)

	_, err = p.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStop_KillsAfterGrace(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `trap '' TERM; echo ready; while true; do sleep 1; done`)
	p, err := Start(context.Background(), Spec{Command: script, StopGrace: 100 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ReadLine()
	require.NoError(t, err)

	require.NoError(t, p.Stop())
	code, _ := p.Wait()
	assert.Equal(t, -1, code)
}

func TestContextCancelStopsProcess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	script := writeScript(t, `echo up; sleep 30`)
	p, err := Start(ctx, Spec{Command: script, StopGrace: 100 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ReadLine()
	require.NoError(t, err)
	cancel()

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process not stopped after cancel")
	}
}

func TestStart_PTY(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `read prompt; if [ -t 1 ]; then echo "tty:$prompt"; else echo "notty"; fi`)
	p, err := Start(context.Background(), Spec{
		Command:    script,
		Prompt:     "hi\n",
		PromptMode: PromptStdin,
		PTY:        true,
		TempDir:    t.TempDir(),
	})
	require.NoError(t, err)
	defer p.Close()

	lines := readAll(t, p)
	require.NotEmpty(t, lines)
	assert.Equal(t, "tty:hi", lines[0])
	assert.False(t, strings.HasSuffix(lines[0], "\r"))

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestMergeEnv(t *testing.T) {
	t.Parallel()

	got := MergeEnv([]string{"A=1", "B=2", "NOEQUALS"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "NOEQUALS", "B=3", "C=4"}, got)
	assert.Equal(t, []string{"A=1"}, MergeEnv([]string{"A=1"}, nil))
}
