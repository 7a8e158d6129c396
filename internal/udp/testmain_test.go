package udp_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutines leak from transport lifecycles.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
