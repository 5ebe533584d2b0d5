package usecase

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the consumer loop leaks no goroutines across tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
