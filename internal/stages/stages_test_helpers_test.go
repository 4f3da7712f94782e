package stages_test

import (
	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/resilience"
)

// testBreakerConfig returns a permissive breaker configuration — a high
// failure threshold and a short window — so ordinary test failures never
// trip the circuit and mask the assertion under test.
func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 1000,
		FailureWindow:    60,
		OpenDuration:     30,
		HalfOpenProbes:   1,
		ObserveOnly:      true,
	}
}

func testCallLogger() *resilience.ProviderCallLogger {
	return resilience.NewProviderCallLogger(resilience.NewRegistry(testBreakerConfig()))
}
