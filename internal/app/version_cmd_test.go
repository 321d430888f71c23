package app

import (
	"bytes"
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

func TestVersionCmd_Default(t *testing.T) {
	restore := setVersionMetadataForTest("v0.3.0", "deadbee", "2026-08-01T09:00:00Z")
	defer restore()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := runVersionCmd(nil, stdout, stderr)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != "v0.3.0" {
		t.Fatalf("stdout=%q, want bare version", got)
	}
	if got := strings.TrimSpace(stderr.String()); got != "" {
		t.Fatalf("stderr=%q, want empty", got)
	}
}

func TestVersionCmd_Long(t *testing.T) {
	restore := setVersionMetadataForTest("v0.3.0", "deadbee", "2026-08-01T09:00:00Z")
	defer restore()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := runVersionCmd([]string{"--long"}, stdout, stderr)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	got := stdout.String()
	for _, want := range []string{
		"pantrysync v0.3.0",
		"commit: deadbee",
		"built:  2026-08-01T09:00:00Z",
		"go:     " + runtime.Version(),
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("long output %q missing %q", got, want)
		}
	}
}

func TestVersionCmd_JSON(t *testing.T) {
	restore := setVersionMetadataForTest("v0.3.0", "deadbee", "2026-08-01T09:00:00Z")
	defer restore()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := runVersionCmd([]string{"--json"}, stdout, stderr)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}

	var payload versionPayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("decode version json: %v", err)
	}
	if payload.Version != "v0.3.0" || payload.Commit != "deadbee" {
		t.Fatalf("payload=%+v, want version and commit set", payload)
	}
	if payload.BuildDate != "2026-08-01T09:00:00Z" {
		t.Fatalf("buildDate=%q, want build timestamp", payload.BuildDate)
	}
	if payload.GoVersion != runtime.Version() {
		t.Fatalf("goVersion=%q, want %q", payload.GoVersion, runtime.Version())
	}
	if !strings.Contains(stdout.String(), `"buildDate"`) {
		t.Fatalf("json output %q not in camelCase", stdout.String())
	}
}

func TestVersionCmd_BadArgs(t *testing.T) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := runVersionCmd([]string{"positional"}, stdout, stderr)
	if code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
	if got := stderr.String(); !strings.Contains(got, "pantrysync version: unexpected positional arguments") {
		t.Fatalf("stderr=%q, want positional argument error", got)
	}
}

func setVersionMetadataForTest(v, c, d string) func() {
	origVersion := version
	origCommit := commit
	origBuildDate := buildDate
	version = v
	commit = c
	buildDate = d
	return func() {
		version = origVersion
		commit = origCommit
		buildDate = origBuildDate
	}
}
