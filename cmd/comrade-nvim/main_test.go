package main

import (
	"testing"
)

func TestAddressFromEnv(t *testing.T) {
	t.Setenv("NVIM", "")
	t.Setenv("NVIM_LISTEN_ADDRESS", "/tmp/nvim.sock")
	if got := addressFromEnv(); got != "/tmp/nvim.sock" {
		t.Fatalf("expected NVIM_LISTEN_ADDRESS, got %q", got)
	}

	t.Setenv("NVIM", "127.0.0.1:6666")
	if got := addressFromEnv(); got != "127.0.0.1:6666" {
		t.Fatalf("expected $NVIM to win, got %q", got)
	}
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"config", "monitor", "reconnect", "verbose"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("missing flag --%s", name)
		}
	}
	if err := cmd.Args(cmd, []string{"a", "b"}); err == nil {
		t.Fatal("expected at most one address argument")
	}
}

func TestMissingAddressFails(t *testing.T) {
	t.Setenv("NVIM", "")
	t.Setenv("NVIM_LISTEN_ADDRESS", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", ""})
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error without an address")
	}
}
