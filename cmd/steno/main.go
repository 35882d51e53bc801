package main

import (
	"fmt"
	"os"

	"github.com/stenohq/steno/internal/errkind"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := errkind.HintOf(err); hint != "" {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto the documented process exit codes: 2 for
// invalid input, 3 for duplicates, 4 for parse failures, 5 for storage
// trouble.
func exitCode(err error) int {
	switch errkind.KindOf(err) {
	case errkind.InvalidArgument, errkind.NotFound, errkind.PermissionDenied:
		return 2
	case errkind.DuplicateFile:
		return 3
	case errkind.UnknownFormat, errkind.ParseError:
		return 4
	case errkind.Internal, errkind.Transient, errkind.Conflict:
		return 5
	default:
		return 1
	}
}
