package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stenohq/steno/internal/errkind"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errkind.New(errkind.InvalidArgument, "bad flag"), 2},
		{errkind.New(errkind.NotFound, "no such workspace"), 2},
		{errkind.New(errkind.DuplicateFile, "seen before"), 3},
		{errkind.New(errkind.UnknownFormat, "no parser matched"), 4},
		{errkind.New(errkind.ParseError, "truncated line"), 4},
		{errkind.New(errkind.Internal, "sqlite exploded"), 5},
		{errkind.New(errkind.Conflict, "duplicate name"), 5},
		// Unclassified errors map to Internal.
		{errors.New("plain"), 5},
		{errkind.New(errkind.Cancelled, "interrupted"), 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitCode(tc.err), "error: %v", tc.err)
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "setup", "ingest", "sweep", "collectors", "prune", "version"} {
		cmd, _, err := root.Find([]string{name})
		assert.NoError(t, err, name)
		assert.NotNil(t, cmd, name)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("workspace"))
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
