// Package guard flips the binaries into test mode when imported from a test so
// entrypoints never dial Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

// EnvTestMode is the variable app.InTestMode reads.
const EnvTestMode = "STOCKLEDGER_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvTestMode) == "" {
			_ = os.Setenv(EnvTestMode, "1")
		}
	})
}
