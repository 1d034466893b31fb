package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/sink"
	"github.com/MrWong99/voxgate/internal/stream"
)

func pcm(amps ...int16) []byte {
	out := make([]byte, 0, len(amps)*20)
	for _, a := range amps {
		for range 10 {
			out = binary.LittleEndian.AppendUint16(out, uint16(a))
		}
	}
	return out
}

func loadYAML(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestRunFile_PrintsJSONLines(t *testing.T) {
	t.Parallel()
	cfg := loadYAML(t, `
detector:
  grace_frames: 1
stream:
  sample_rate: 1000
  frame_duration: 10ms
  min_segment_bytes: 0
`)
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	var out bytes.Buffer
	in := bytes.NewReader(pcm(0, 16384, 16384, 0, 0, 0))
	if err := runFile(context.Background(), cfg, reg, "clip", in, &out); err != nil {
		t.Fatalf("runFile: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out.String())
	}
	var start, stop stream.Payload
	if err := json.Unmarshal([]byte(lines[0]), &start); err != nil {
		t.Fatalf("line 1: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &stop); err != nil {
		t.Fatalf("line 2: %v", err)
	}
	if start.Type != "START" || start.Frame != 1 || start.StreamID != "clip" {
		t.Errorf("start = %+v", start)
	}
	if stop.Type != "STOP" || stop.Frame != 4 || stop.Segment == nil || stop.Segment.Bytes != 80 {
		t.Errorf("stop = %+v", stop)
	}
}

func TestRunFile_UnknownEngine(t *testing.T) {
	t.Parallel()
	cfg := loadYAML(t, "detector:\n  engine: spectral\n")
	err := runFile(context.Background(), cfg, config.NewRegistry(), "-", strings.NewReader(""), &bytes.Buffer{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	cfg := loadYAML(t, `
sinks:
  - name: log
    options:
      level: debug
  - name: webhook
    url: http://127.0.0.1:1/hook
    fallback_urls: [http://127.0.0.1:2/hook]
    options:
      include_audio: true
      max_failures: 2
      reset_timeout: 1m
`)
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.VAD == nil || len(ps.Sinks) != 2 {
		t.Fatalf("providers = %+v", ps)
	}
	wh, ok := ps.Sinks[1].(*sink.Webhook)
	if !ok {
		t.Fatalf("sinks[1] = %T, want *sink.Webhook", ps.Sinks[1])
	}
	if got := len(wh.Endpoints()); got != 2 {
		t.Errorf("endpoints = %d, want 2", got)
	}
	for _, s := range ps.Sinks {
		_ = s.Close()
	}
}

func TestBuildProviders_BadOptions(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	for name, doc := range map[string]string{
		"log level":     "sinks:\n  - name: log\n    options:\n      level: loud\n",
		"reset timeout": "sinks:\n  - name: webhook\n    url: http://x\n    options:\n      reset_timeout: soon\n",
	} {
		if _, err := buildProviders(loadYAML(t, doc), reg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
