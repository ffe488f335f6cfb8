package command

import (
	"context"
	"testing"
)

func TestExecRunnerSuccess(t *testing.T) {
	r := NewExecRunner()
	res, err := r.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("expected success, got exit %d stderr=%q", res.ExitCode, res.Stderr)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
}

func TestExecRunnerNonzeroExit(t *testing.T) {
	r := NewExecRunner()
	res, err := r.Run(context.Background(), "exit 3")
	if err != nil {
		t.Fatalf("Run should not return a Go error for a nonzero exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Succeeded() {
		t.Error("Succeeded() should be false for a nonzero exit")
	}
}

func TestChain(t *testing.T) {
	got := Chain([]string{"a", "b", "c"})
	if got != "a && b && c" {
		t.Errorf("Chain() = %q, want %q", got, "a && b && c")
	}
	if Chain(nil) != "" {
		t.Errorf("Chain(nil) = %q, want empty", Chain(nil))
	}
}

func TestFakeRunnerRecordsCalls(t *testing.T) {
	f := NewFakeRunner()
	f.Run(context.Background(), "ip link add foo")
	f.Run(context.Background(), "ip link set foo up")

	calls := f.Calls()
	if len(calls) != 2 || calls[0] != "ip link add foo" || calls[1] != "ip link set foo up" {
		t.Errorf("Calls() = %v, want [ip link add foo, ip link set foo up]", calls)
	}
	if !f.CalledWith("ip link add foo") {
		t.Error("CalledWith should find a recorded command")
	}
}

func TestFakeRunnerConfiguredResult(t *testing.T) {
	f := NewFakeRunner()
	f.Results["ip link show foo"] = Result{ExitCode: 1, Stderr: "Device \"foo\" does not exist."}

	res, err := f.Run(context.Background(), "ip link show foo")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 1 || res.Stderr != "Device \"foo\" does not exist." {
		t.Errorf("Run() = %+v, want configured result", res)
	}
}

func TestFakeRunnerConfiguredError(t *testing.T) {
	f := NewFakeRunner()
	f.Err["bad cmd"] = context.DeadlineExceeded

	_, err := f.Run(context.Background(), "bad cmd")
	if err != context.DeadlineExceeded {
		t.Errorf("Run() err = %v, want context.DeadlineExceeded", err)
	}
}

func TestFakeRunnerReset(t *testing.T) {
	f := NewFakeRunner()
	f.Run(context.Background(), "cmd1")
	f.Reset()
	if len(f.Calls()) != 0 {
		t.Error("Reset() should clear recorded calls")
	}
}
