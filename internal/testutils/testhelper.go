package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/gattmgr/pkg/config"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a test helper whose logger records entries in Hook.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// FastConfig returns a configuration with timings scaled down for tests.
// The target service is 180d.
func FastConfig() config.Config {
	return config.Config{
		TargetServiceID:    "180D",
		ConnectionTimeout:  500 * time.Millisecond,
		DiscoveryDelay:     20 * time.Millisecond,
		OperationTimeout:   200 * time.Millisecond,
		ScanAggressiveness: "balanced",
		NotificationBuffer: 16,
		StateBuffer:        32,
		LogLevel:           "debug",
	}.WithDefaults()
}

// HasLogEntry reports whether any recorded entry carries the message.
func (h *TestHelper) HasLogEntry(level logrus.Level, msg string) bool {
	for _, e := range h.Hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}
