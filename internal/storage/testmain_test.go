package storage_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the database pool goroutines are gone after Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
