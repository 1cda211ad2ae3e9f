package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const previewArchive = "From a@example.com Tue Jun 17 08:00:00 2025\n" +
	"Subject: TLDR AI 2025-06-17\n" +
	"\n" +
	"TLDR AI 2025-06-17\n" +
	"Big News\n" +
	"https://example.com/a\n" +
	"\n" +
	"From b@example.com Tue Jun 17 09:00:00 2025\n" +
	"Subject: Sale today\n" +
	"\n" +
	"Buy now\n" +
	"\n" +
	"From c@example.com Wed Jun 18 08:00:00 2025\n" +
	"Subject: TLDR Dev 2025-06-18\n" +
	"\n" +
	"TLDR Dev\n"

func TestPreviewCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "news.mbox")
	if err := os.WriteFile(path, []byte(previewArchive), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		args     []string
		contains []string
		excludes []string
	}{
		{
			name:     "all messages",
			args:     []string{path},
			contains: []string{"# 1 *TLDR AI 2025-06-17*", "https://example.com/a|Big News", "# 3 *TLDR Dev 2025-06-18*", "Previewed 3 messages"},
		},
		{
			name:     "limit",
			args:     []string{path, "--limit", "1"},
			contains: []string{"Previewed 1 messages"},
			excludes: []string{"# 2 "},
		},
		{
			name:     "include filter",
			args:     []string{path, "--include-header", "Subject: TLDR"},
			contains: []string{"Previewed 2 messages", "Rejected by filters: 1", "1. include-header: Subject: TLDR (2)"},
			excludes: []string{"Sale today"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewPreviewCommand()
			if err != nil {
				t.Fatal(err)
			}
			var out bytes.Buffer
			c.SetOut(&out)
			c.SetArgs(append(tt.args, "--env-file", filepath.Join(dir, "missing.env"), "--log-level", "error"))

			if err := c.Execute(); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q:\n%s", want, out.String())
				}
			}
			for _, unwanted := range tt.excludes {
				if strings.Contains(out.String(), unwanted) {
					t.Errorf("output contains %q", unwanted)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}
	for name, want := range tests {
		if got := parseLevel(name); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSetupLogger_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, cleanup, err := setupLogger("info", dir, "preview")
	if err != nil {
		t.Fatalf("setupLogger() error = %v", err)
	}
	logger.Info("hello")
	if err := cleanup(); err != nil {
		t.Fatal(err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "technews-preview-*.log"))
	if err != nil || len(files) != 1 {
		t.Fatalf("log files = %v, err = %v", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "msg=hello") || !strings.Contains(string(data), "cmd=preview") {
		t.Errorf("log file = %q", data)
	}
}
