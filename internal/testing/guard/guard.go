// Package guard flips ODYSSEY_TEST_MODE on for any test binary importing it,
// so package tests never dial Postgres, Redis or Gotenberg from main paths.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("ODYSSEY_TEST_MODE") == "" {
			_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		}
	})
}
