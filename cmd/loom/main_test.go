package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRun_NoArgsPrintsUsageAndReturnsConfigError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"loom"}, &stdout, &stderr)
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if !strings.Contains(stdout.String(), "USAGE:") {
		t.Fatalf("expected usage text on stdout, got %q", stdout.String())
	}
}

func TestRun_HelpPrintsUsageAndReturnsZero(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"loom", "help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "USAGE:") {
		t.Fatalf("expected usage text on stdout, got %q", stdout.String())
	}
}

func TestRun_UnknownCommandReturnsConfigError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"loom", "bogus"}, &stdout, &stderr)
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if !strings.Contains(stderr.String(), `unknown command "bogus"`) {
		t.Fatalf("expected unknown command message on stderr, got %q", stderr.String())
	}
}

func TestParseRunFlags_RejectsInvalidMode(t *testing.T) {
	_, err := parseRunFlags([]string{"--mode", "bogus"})
	if err == nil {
		t.Fatal("expected an error for an invalid --mode value")
	}
}

func TestParseRunFlags_DefaultsAppliedWhenNoFlagsGiven(t *testing.T) {
	flags, err := parseRunFlags(nil)
	if err != nil {
		t.Fatalf("parseRunFlags: %v", err)
	}
	if flags.mode != "mock" || flags.cycle != "single" || flags.agent != "echo" {
		t.Fatalf("unexpected defaults: %+v", flags)
	}
}
