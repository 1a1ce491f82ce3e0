package memory

import (
	"testing"

	"durableq/internal/driver"
	"durableq/internal/driver/drivertest"
)

func TestMemoryDriverConformance(t *testing.T) {
	drivertest.Run(t, func(t *testing.T) driver.Driver {
		return New()
	})
}
