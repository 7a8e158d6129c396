package command_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies beacon and ping goroutines are joined on Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
