package testing

import (
	"os"
	"sync"
	stdtesting "testing"

	"github.com/meridian-erp/meridian-ledger/internal/app"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("MERIDIAN_TEST_MODE", "1")
		// InTestMode may already have cached the flag from an earlier read.
		app.RefreshTestMode()
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
