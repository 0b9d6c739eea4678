package preflight

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheck_String(t *testing.T) {
	t.Run("passed_with_required", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   200,
			Passed:   true,
		}
		s := c.String()
		if !strings.Contains(s, "✓") {
			t.Error("Passed check should have ✓")
		}
		if !strings.Contains(s, "200") {
			t.Error("Should contain actual value")
		}
		if !strings.Contains(s, "100") {
			t.Error("Should contain required value")
		}
	})

	t.Run("failed_check", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   50,
			Passed:   false,
		}
		if !strings.Contains(c.String(), "✗") {
			t.Error("Failed check should have ✗")
		}
	})

	t.Run("warning_check", func(t *testing.T) {
		c := Check{
			Name:    "test_check",
			Passed:  true,
			Warning: true,
			Message: "warning message",
		}
		s := c.String()
		if !strings.Contains(s, "⚠") {
			t.Error("Warning check should have ⚠")
		}
		if !strings.Contains(s, "warning message") {
			t.Error("Should contain message")
		}
	})
}

func findCheck(t *testing.T, r *Result, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q missing from %+v", name, r.Checks)
	return Check{}
}

func TestRunAll_Passes(t *testing.T) {
	r := RunAll(Options{Path: "/bin/sh", ChannelDir: t.TempDir(), MinOpenFiles: 8})

	if !r.Passed {
		var buf bytes.Buffer
		WriteResults(&buf, r)
		t.Fatalf("RunAll failed:\n%s", buf.String())
	}
	if c := findCheck(t, r, "working_dir"); c.Message != "/bin" {
		t.Errorf("working_dir = %q, want the executable's directory", c.Message)
	}
	findCheck(t, r, "process_limit")
}

func TestRunAll_BareNameResolved(t *testing.T) {
	r := RunAll(Options{Path: "sh", ChannelDir: t.TempDir(), MinOpenFiles: 8})

	c := findCheck(t, r, "executable")
	if !c.Passed || !filepath.IsAbs(c.Message) {
		t.Errorf("executable = %+v, want an absolute resolved path", c)
	}
}

func TestCheckExecutable(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want bool
		msg  string
	}{
		{"absolute", "/bin/sh", true, "/bin/sh"},
		{"empty", "", false, "no executable"},
		{"missing", filepath.Join(dir, "nope"), false, "no such file"},
		{"not in PATH", "procpump-definitely-missing", false, "not found in PATH"},
		{"directory", dir, false, "is a directory"},
		{"not executable", plain, false, "not executable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := checkExecutable(tt.path)
			if c.Passed != tt.want {
				t.Errorf("Passed = %v, want %v (%s)", c.Passed, tt.want, c.Message)
			}
			if !strings.Contains(c.Message, tt.msg) {
				t.Errorf("Message = %q, want to contain %q", c.Message, tt.msg)
			}
		})
	}
}

func TestCheckWorkingDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if c := checkWorkingDir(dir); !c.Passed {
		t.Errorf("existing dir failed: %s", c.Message)
	}
	if c := checkWorkingDir(file); c.Passed {
		t.Error("regular file passed as a directory")
	}
	if c := checkWorkingDir(filepath.Join(dir, "missing")); c.Passed {
		t.Error("missing dir passed")
	}
}

func TestCheckChannelDir(t *testing.T) {
	dir := t.TempDir()

	c := checkChannelDir(dir)
	if !c.Passed {
		t.Fatalf("checkChannelDir failed: %s", c.Message)
	}

	// The scratch channel leaves nothing behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch channel left %d entries in %s", len(entries), dir)
	}
}

func TestCheckChannelDir_Missing(t *testing.T) {
	c := checkChannelDir(filepath.Join(t.TempDir(), "missing"))
	if c.Passed {
		t.Error("missing channel dir passed")
	}
	if !strings.Contains(c.Message, "cannot create FIFO") {
		t.Errorf("Message = %q", c.Message)
	}
}

func TestCheckFileDescriptors(t *testing.T) {
	c := checkFileDescriptors(1)
	if !c.Passed {
		t.Errorf("limit of 1 failed: %s", c.Message)
	}
	if c.Actual < 1 || c.Required != 1 {
		t.Errorf("Actual = %d, Required = %d", c.Actual, c.Required)
	}

	if c := checkFileDescriptors(1 << 30); c.Passed {
		t.Error("absurd requirement passed")
	}
}

func TestParseMaxProcesses(t *testing.T) {
	tests := []struct {
		name   string
		limits string
		want   int
	}{
		{
			name: "numeric",
			limits: "Limit                     Soft Limit           Hard Limit           Units\n" +
				"Max processes             63704                126000               processes\n",
			want: 63704,
		},
		{
			name:   "unlimited",
			limits: "Max processes             unlimited            unlimited            processes\n",
			want:   1000000,
		},
		{"absent", "Max open files            1024                 4096                 files\n", 0},
		{"short line", "Max processes\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseMaxProcesses(tt.limits); got != tt.want {
				t.Errorf("parseMaxProcesses() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSuggestFix(t *testing.T) {
	for _, name := range []string{"executable", "working_dir", "channel_dir", "file_descriptors", "process_limit"} {
		if got := suggestFix(name); got == "see documentation" {
			t.Errorf("suggestFix(%q) has no specific advice", name)
		}
	}
	if got := suggestFix("unknown"); got != "see documentation" {
		t.Errorf("suggestFix(unknown) = %q", got)
	}
}

func TestWriteResults(t *testing.T) {
	result := &Result{
		Checks: []Check{
			{Name: "executable", Passed: true, Message: "/bin/sh"},
			{Name: "file_descriptors", Passed: false, Required: 100, Actual: 50},
		},
		Passed: false,
	}

	var buf bytes.Buffer
	WriteResults(&buf, result)
	out := buf.String()

	if !strings.Contains(out, "Preflight checks:") {
		t.Error("header missing")
	}
	if strings.Count(out, "Fix:") != 1 {
		t.Errorf("want exactly one fix line:\n%s", out)
	}
	if !strings.Contains(out, "ulimit -n") {
		t.Error("file descriptor fix missing")
	}
}
