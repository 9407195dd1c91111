package versionutil

import "testing"

func TestEnsureVPrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":      "",
		"1.2.3": "v1.2.3",
		"v0.1":  "v0.1",
	}
	for in, want := range tests {
		if got := EnsureVPrefix(in); got != want {
			t.Fatalf("EnsureVPrefix(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestResolvePrefersLinkerVersion(t *testing.T) {
	t.Parallel()

	if got := Resolve(" 2.0.1 "); got != "v2.0.1" {
		t.Fatalf("Resolve: got %q", got)
	}
	if got := Resolve("dev"); got == "" {
		t.Fatal("expected a non-empty development version")
	}
}
