package weather_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies upstream connections are closed after each test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
