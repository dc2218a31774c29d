package main

import (
	"path/filepath"
	"testing"

	"github.com/AlexKimmel/rampload/internal/config"
	"github.com/AlexKimmel/rampload/internal/stats"
)

func TestBuildSinks_FallsBackToMemory(t *testing.T) {
	sinks, closeFn, err := buildSinks(config.Stats{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeFn()

	if len(sinks) != 1 {
		t.Fatalf("expected one fallback sink, got %d", len(sinks))
	}
	if _, ok := sinks[0].(*stats.MemorySink); !ok {
		t.Fatalf("expected *stats.MemorySink, got %T", sinks[0])
	}
}

func TestBuildSinks_Configured(t *testing.T) {
	sinks, closeFn, err := buildSinks(config.Stats{
		SQLitePath: filepath.Join(t.TempDir(), "stats.db"),
		Redis:      config.Redis{Addr: "127.0.0.1:1", Prefix: "rampload", TTLMinute: 1},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeFn()

	if len(sinks) != 2 {
		t.Fatalf("expected sqlite and redis sinks, got %d", len(sinks))
	}
	if _, ok := sinks[0].(*stats.SQLiteSink); !ok {
		t.Fatalf("expected *stats.SQLiteSink first, got %T", sinks[0])
	}
	if _, ok := sinks[1].(*stats.RedisSink); !ok {
		t.Fatalf("expected *stats.RedisSink second, got %T", sinks[1])
	}
	for _, s := range sinks {
		_ = s.Close()
	}
}
