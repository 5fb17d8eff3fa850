package raft

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.etcd.io/etcd/raft/v3"
)

// Logger routes etcd raft's internal logging into slog.
type Logger struct {
	l *slog.Logger
}

var _ raft.Logger = (*Logger)(nil)

// NewLogger adapts l to raft.Logger.
func NewLogger(l *slog.Logger) *Logger {
	return &Logger{l: l}
}

func (g *Logger) log(level slog.Level, msg string) {
	g.l.Log(context.Background(), level, msg)
}

func (g *Logger) Debug(v ...interface{}) { g.log(slog.LevelDebug, fmt.Sprint(v...)) }
func (g *Logger) Debugf(format string, v ...interface{}) {
	g.log(slog.LevelDebug, fmt.Sprintf(format, v...))
}

func (g *Logger) Info(v ...interface{}) { g.log(slog.LevelInfo, fmt.Sprint(v...)) }
func (g *Logger) Infof(format string, v ...interface{}) {
	g.log(slog.LevelInfo, fmt.Sprintf(format, v...))
}

func (g *Logger) Warning(v ...interface{}) { g.log(slog.LevelWarn, fmt.Sprint(v...)) }
func (g *Logger) Warningf(format string, v ...interface{}) {
	g.log(slog.LevelWarn, fmt.Sprintf(format, v...))
}

func (g *Logger) Error(v ...interface{}) { g.log(slog.LevelError, fmt.Sprint(v...)) }
func (g *Logger) Errorf(format string, v ...interface{}) {
	g.log(slog.LevelError, fmt.Sprintf(format, v...))
}

func (g *Logger) Fatal(v ...interface{}) {
	g.log(slog.LevelError, fmt.Sprint(v...))
	os.Exit(1)
}

func (g *Logger) Fatalf(format string, v ...interface{}) {
	g.log(slog.LevelError, fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (g *Logger) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	g.log(slog.LevelError, msg)
	panic(msg)
}

func (g *Logger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	g.log(slog.LevelError, msg)
	panic(msg)
}
