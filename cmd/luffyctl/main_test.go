package main

import (
	"bytes"
	"testing"

	"github.com/openluffy/luffy/pkg/api/mock"
)

// run executes luffyctl with args against the mock, returning what it
// printed to stdout.
func run(t *testing.T, m *mock.MockServer, args ...string) (string, error) {
	t.Helper()
	opts := &rootOpts{API: m}
	cmd := opts.Command()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
