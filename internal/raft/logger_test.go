package raft

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	l.Debugf("hidden %d", 1)
	l.Infof("became leader at term %d", 2)
	l.Warning("slow ", "follower")
	l.Errorf("lost %s", "quorum")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `level=INFO msg="became leader at term 2"`)
	assert.Contains(t, out, `level=WARN msg="slow follower"`)
	assert.Contains(t, out, `level=ERROR msg="lost quorum"`)
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestLogger_PanicLogsFirst(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	assert.PanicsWithValue(t, "bad index 7", func() { l.Panicf("bad index %d", 7) })
	assert.Contains(t, buf.String(), `msg="bad index 7"`)
}

func TestNewNode_UsesSlogForRaftLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	applier := &mockApplier{}

	node, stop := runNode(t, Config{ID: 1, TickInterval: 10 * time.Millisecond, Logger: logger}, applier)
	proposeUntilApplied(t, node, applier, "x")
	stop()

	// etcd raft announces the election through its logger.
	assert.Contains(t, buf.String(), "component=etcd-raft")
	assert.Contains(t, buf.String(), "became leader")
}
