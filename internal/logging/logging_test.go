package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseLevel(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseLevel(%q) unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Config{Level: "verbose"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	l, err := New(Config{Level: "debug", Development: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be enabled")
	}
}

func TestBadgerLoggerDropsInfo(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	bl := Badger(zap.New(core))

	bl.Infof("compaction %d", 1)
	bl.Debugf("noise")
	bl.Warningf("slow write %s\n", "vlog")
	bl.Errorf("corrupt %s", "manifest")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel || entries[0].Message != "slow write vlog" {
		t.Fatalf("unexpected warn entry %#v", entries[0])
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].LoggerName != "badger" {
		t.Fatalf("unexpected error entry %#v", entries[1])
	}
}
