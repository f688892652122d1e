package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

// Migrator is the schema migration surface.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
}

// MigrateCommand runs one migration action: up, down, steps N or version.
func MigrateCommand(m Migrator, args []string, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if len(args) == 0 {
		args = []string{"up"}
	}
	var err error
	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(stderr, "migrate: steps requires a count")
			return 2
		}
		n, convErr := strconv.Atoi(args[1])
		if convErr != nil || n == 0 {
			_, _ = fmt.Fprintf(stderr, "migrate: invalid step count %q\n", args[1])
			return 2
		}
		err = m.Steps(n)
	case "version":
	default:
		_, _ = fmt.Fprintf(stderr, "migrate: unknown action %q (want up, down, steps, version)\n", args[0])
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate %s: %v\n", args[0], err)
		return 1
	}
	version, dirty, err := m.Version()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate version: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "schema version %d dirty=%t\n", version, dirty)
	if dirty {
		return 1
	}
	return 0
}
