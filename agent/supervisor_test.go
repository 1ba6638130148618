package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompt-dock/bridge/internal/logger"
)

// writeFakeAgent drops an executable shell script at dir/name whose body is
// script; each test supplies the agent behaviour it needs.
func writeFakeAgent(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T) (*Supervisor, chan OutputEvent) {
	t.Helper()
	events := make(chan OutputEvent, 256)
	sup := NewSupervisor(4096, 300*time.Millisecond, func(e OutputEvent) {
		select {
		case events <- e:
		default:
		}
	}, logger.New(os.Stderr, logger.ErrorLevel))
	return sup, events
}

func TestLocateFindsConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeAgent(t, dir, "claude", "exit 0\n")
	info, err := Locate("claude", path)
	require.NoError(t, err)
	assert.Equal(t, path, info.Path)
}

func TestLocateReturnsNotAvailableForUnknownKind(t *testing.T) {
	_, err := Locate("no-such-agent-kind-xyz", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentNotAvailable)
}

const planStreamScript = `
read -r prompt
echo '{"type":"plan_chunk","text":"Step one: read the file.\n"}'
echo '{"type":"plan_chunk","text":"Step two: edit the file.\n"}'
echo '{"type":"result"}'
read -r approval
echo "got: $approval" 1>&2
exit 0
`

func TestStartPlanAccumulatesStreamingPlanChunks(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeAgent(t, dir, "claude", planStreamScript)
	sup, _ := newTestSupervisor(t)

	ps, err := sup.StartPlan(context.Background(), "exec-1", "claude", path, "do the thing", dir)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ps.State() == StateAwaitingApproval
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, ps.PlanText(), "Step one")
	assert.Contains(t, ps.PlanText(), "Step two")
	assert.True(t, ps.AwaitsInteractiveApproval())

	require.NoError(t, sup.ApproveInteractively(ps, "go ahead"))
	assert.Equal(t, StateExecuting, ps.State())

	select {
	case <-ps.waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after approval")
	}
}

const fallbackTranscriptScript = `
echo 'Here is some reasoning text.'
echo 'PLAN:'
echo 'Do the first thing, then the second thing.'
sleep 0.2
exit 0
`

func TestStartPlanFallsBackToTaggedParserWithoutJSONMarker(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeAgent(t, dir, "claude", fallbackTranscriptScript)
	sup, _ := newTestSupervisor(t)

	ps, err := sup.StartPlan(context.Background(), "exec-2", "claude", path, "do the thing", dir)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ps.State() == StateExited
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, ps.AwaitsInteractiveApproval())
	assert.Contains(t, ps.PlanText(), "Do the first thing, then the second thing.")
}

func TestRejectWritesFeedbackRecord(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeAgent(t, dir, "claude", planStreamScript)
	sup, _ := newTestSupervisor(t)

	ps, err := sup.StartPlan(context.Background(), "exec-3", "claude", path, "do the thing", dir)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ps.State() == StateAwaitingApproval
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Reject(ps, "not quite right"))

	select {
	case <-ps.waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after rejection")
	}
}

func TestApproveInteractivelyRejectsWhenNotAwaiting(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeAgent(t, dir, "claude", "sleep 1\nexit 0\n")
	sup, _ := newTestSupervisor(t)

	ps, err := sup.StartPlan(context.Background(), "exec-4", "claude", path, "do the thing", dir)
	require.NoError(t, err)

	err = sup.ApproveInteractively(ps, "go")
	assert.Error(t, err)
	_ = sup.Cancel(ps)
}

const oneShotScript = `
read -r prompt
echo "processed: $prompt"
exit 0
`

func TestStartOneShotCapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeAgent(t, dir, "claude", oneShotScript)
	sup, _ := newTestSupervisor(t)

	result, err := sup.StartOneShot(context.Background(), "exec-5", "claude", path, "hello world", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, string(result.Stdout), "processed: hello world")
}

func TestCancelHardKillsUnresponsiveProcess(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeAgent(t, dir, "claude", "trap '' TERM INT\nsleep 30\n")
	sup, events := newTestSupervisor(t)
	_ = events

	ps, err := sup.StartPlan(context.Background(), "exec-6", "claude", path, "do the thing", dir)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sup.Cancel(ps))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateExited, ps.State())
}

func TestOutputEventsAreEmittedPerStream(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeAgent(t, dir, "claude", planStreamScript)
	sup, events := newTestSupervisor(t)

	ps, err := sup.StartPlan(context.Background(), "exec-7", "claude", path, "do the thing", dir)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ps.State() == StateAwaitingApproval
	}, 2*time.Second, 10*time.Millisecond)

	sawStdout := false
	for {
		select {
		case e := <-events:
			if e.ExecutionID == "exec-7" && e.Stream == "stdout" {
				sawStdout = true
			}
		default:
			assert.True(t, sawStdout)
			_ = sup.Cancel(ps)
			return
		}
	}
}
