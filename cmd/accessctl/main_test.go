package main

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FACTORYAUTH_PG_DSN", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHashPasswordFromArgAndStdin(t *testing.T) {
	for name, tc := range map[string]struct {
		stdin string
		args  []string
	}{
		"arg":   {args: []string{"hash-password", "--cost", "4", "conveyor-belt-42"}},
		"stdin": {stdin: "conveyor-belt-42\n", args: []string{"hash-password", "--cost", "4"}},
	} {
		out, err := execute(t, tc.stdin, tc.args...)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		hash := strings.TrimSpace(out)
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("conveyor-belt-42")); err != nil {
			t.Fatalf("%s: hash does not verify: %v", name, err)
		}
	}
}

func TestHashPasswordRejectsEmptyInput(t *testing.T) {
	if _, err := execute(t, "\n", "hash-password", "--cost", "4"); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestCreateAdminValidatesBeforeConnecting(t *testing.T) {
	if _, err := execute(t, "", "create-admin", "--password", "conveyor-belt-42"); err == nil || !strings.Contains(err.Error(), "username") {
		t.Fatalf("expected username error, got %v", err)
	}
	if _, err := execute(t, "", "create-admin", "--username", "owner", "--password", "short"); err == nil || !strings.Contains(err.Error(), "at least") {
		t.Fatalf("expected length error, got %v", err)
	}
	_, err := execute(t, "", "create-admin", "--username", "owner", "--password", "conveyor-belt-42")
	if err == nil || !strings.Contains(err.Error(), "dsn is required") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
}

func TestMigrateRequiresDSN(t *testing.T) {
	_, err := execute(t, "", "migrate", "status")
	if err == nil || !strings.Contains(err.Error(), "dsn is required") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
}
