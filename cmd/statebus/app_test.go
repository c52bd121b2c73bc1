package main

import (
	"context"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestParseUsers(t *testing.T) {
	users, err := parseUsers([]string{"admin:secret", "ro:pa:ss"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if users["admin"] != "secret" || users["ro"] != "pa:ss" {
		t.Fatalf("unexpected users %v", users)
	}
	for _, bad := range []string{"nopass", ":secret"} {
		if _, err := parseUsers([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if users, err := parseUsers(nil); err != nil || users != nil {
		t.Fatalf("expected nil users, got %v %v", users, err)
	}
}

func TestBindConfigFromFlagsAndEnv(t *testing.T) {
	t.Setenv("STATEBUS_STATE_SAVE_DELAY", "2s")
	t.Setenv("STATEBUS_MAX_CALL_BYTES", "1MB")
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	if err := cmd.ParseFlags([]string{"--data-dir", "/tmp/sb", "--auth", "--user", "a:b", "--outbox-size", "16"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	v := newViper()
	bindFlags(v, cmd.Flags())
	cfg, err := bindConfig(v)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.DataDir != "/tmp/sb" || !cfg.Auth || cfg.AuthUsers["a"] != "b" || cfg.OutboxSize != 16 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.StateSaveDelay != 2*time.Second {
		t.Fatalf("env state-save-delay not applied: %s", cfg.StateSaveDelay)
	}
	if cfg.MaxCallBytes != 1_000_000 {
		t.Fatalf("max-call-bytes = %d", cfg.MaxCallBytes)
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	v := newViper()
	v.Set("max-call-bytes", "lots")
	if _, err := bindConfig(v); err == nil {
		t.Fatal("expected size parse error")
	}
}

func TestRestoreRequiresMirror(t *testing.T) {
	_, _, err := executeRootCommand(t, "restore", "--data-dir", t.TempDir())
	if err == nil {
		t.Fatal("expected error without --mirror")
	}
}
