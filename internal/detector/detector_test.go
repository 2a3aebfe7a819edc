package detector

import (
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestMatches(t *testing.T) {
	pats := []string{"run_trainer.py", "train_worker.py"}
	assert.True(t, Matches("python -u run_trainer.py --peers 4", pats))
	assert.True(t, Matches("/venv/bin/python train_worker.py", pats))
	assert.False(t, Matches("python eval.py", pats))
	assert.False(t, Matches("anything", []string{""}))
	assert.False(t, Matches("anything", nil))
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry(
		ProcessHandle{PID: 10, Cmdline: "python run_trainer.py"},
		ProcessHandle{PID: 11, Cmdline: "node login_helper.js"},
		ProcessHandle{PID: 12, Cmdline: "bash"},
	)
	got, err := reg.FindMatching([]string{"run_trainer.py", "login_helper"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, reg.Terminate(got[0]))
	require.NoError(t, reg.Terminate(ProcessHandle{PID: 999})) // unknown pid is fine
	left, err := reg.FindMatching([]string{"run_trainer.py"})
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, []ProcessHandle{{PID: 10, Cmdline: "python run_trainer.py"}}, reg.Terminated())

	reg.FailWith(errors.New("boom"))
	_, err = reg.FindMatching([]string{"bash"})
	assert.Error(t, err)
}

func TestPatternDetector(t *testing.T) {
	reg := NewMemoryRegistry(ProcessHandle{PID: 1, Cmdline: "python run_trainer.py"})
	d := PatternDetector{Registry: reg, Patterns: []string{"run_trainer.py", "train_worker.py"}}
	alive, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, "pattern:run_trainer.py|train_worker.py", d.Describe())

	reg.Set()
	alive, err = d.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestSystemRegistry_FindAndTerminate(t *testing.T) {
	requireUnix(t)
	// unusual duration makes the command line unique on the host
	cmd := exec.Command("sleep", "31.4159")
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	defer func() { _ = cmd.Process.Kill() }()

	reg := NewSystemRegistry()
	reg.Grace = 2 * time.Second

	var found []ProcessHandle
	require.Eventually(t, func() bool {
		ps, err := reg.FindMatching([]string{"sleep 31.4159"})
		if err != nil {
			return false
		}
		found = ps
		return len(ps) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(cmd.Process.Pid), found[0].PID)

	require.NoError(t, reg.Terminate(found[0]))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process not terminated")
	}
	// already gone
	require.NoError(t, reg.Terminate(found[0]))
}

func TestSystemRegistry_ExcludesSelf(t *testing.T) {
	requireUnix(t)
	reg := NewSystemRegistry()
	ps, err := reg.FindMatching([]string{".test"})
	require.NoError(t, err)
	for _, p := range ps {
		assert.NotEqual(t, reg.self, p.PID)
	}
}
