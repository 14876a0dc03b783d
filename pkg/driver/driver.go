// Package driver exposes moodterm's output drivers to other programs that
// want to track a shell's working directory or title from its output.
package driver

import (
	"github.com/moodterm/moodterm/internal/driver"
)

// Re-export types from internal/driver for external use
type (
	Driver      = driver.Driver
	SmartEvent  = driver.SmartEvent
	EventType   = driver.EventType
	ParseResult = driver.ParseResult
	Chain       = driver.Chain
)

const (
	EventCwd   = driver.EventCwd
	EventTitle = driver.EventTitle
)

// NewOSCDriver returns a driver that reports OSC 7 and OSC 1337 working
// directory updates and OSC 0/2 window titles.
func NewOSCDriver() Driver {
	return driver.NewOSCDriver()
}

// NewGenericDriver returns a driver that reports nothing.
func NewGenericDriver() Driver {
	return driver.NewGenericDriver()
}
