package command

import (
	"context"
	"sync"
)

// FakeRunner records every command passed to Run and replays a canned
// Result looked up by exact command string, falling back to Default.
// Grounded in the SSH command-runner fakes newtest uses to exercise
// dataplane steps without a live device.
type FakeRunner struct {
	mu       sync.Mutex
	calls    []string
	Results  map[string]Result
	Default  Result
	Err      map[string]error
}

// NewFakeRunner returns a FakeRunner that succeeds (exit 0, empty output)
// for any command with no explicit entry in Results.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Results: make(map[string]Result),
		Err:     make(map[string]error),
		Default: Result{ExitCode: 0},
	}
}

func (f *FakeRunner) Run(_ context.Context, cmd string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, cmd)

	if err, ok := f.Err[cmd]; ok {
		return Result{Cmd: cmd}, err
	}
	if res, ok := f.Results[cmd]; ok {
		res.Cmd = cmd
		return res, nil
	}
	res := f.Default
	res.Cmd = cmd
	return res, nil
}

// Calls returns every command string Run was invoked with, in order.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Reset clears recorded calls (but not configured Results/Err/Default).
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// CalledWith reports whether cmd was passed to Run at least once.
func (f *FakeRunner) CalledWith(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == cmd {
			return true
		}
	}
	return false
}

var _ Runner = (*FakeRunner)(nil)
var _ Runner = (*ExecRunner)(nil)
