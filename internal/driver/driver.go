// Package driver inspects shell output as it streams past and reports
// out-of-band facts about the session, such as its working directory.
//
// Drivers never change the bytes that reach the client; they only add
// events beside them.
package driver

import (
	"time"

	"github.com/moodterm/moodterm/internal/relay"
)

// EventType identifies a SmartEvent.
type EventType string

const (
	// EventCwd reports the shell's current working directory.
	EventCwd EventType = "cwd"
	// EventTitle reports a window title set by the shell.
	EventTitle EventType = "title"
)

// SmartEvent is something a driver recognised in the output.
type SmartEvent struct {
	Type      EventType `json:"type"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseResult is the outcome of feeding one chunk to a driver.
type ParseResult struct {
	// RawData is the chunk, unchanged.
	RawData []byte
	// SmartEvents are the events completed by this chunk.
	SmartEvents []SmartEvent
}

// Driver parses output chunks. A driver may keep state between chunks, so
// one instance serves one session.
type Driver interface {
	Name() string
	Parse(chunk []byte) (*ParseResult, error)
	Reset()
}

// GenericDriver passes output through without producing events.
type GenericDriver struct{}

// NewGenericDriver creates a GenericDriver.
func NewGenericDriver() *GenericDriver {
	return &GenericDriver{}
}

func (d *GenericDriver) Name() string { return "generic" }

func (d *GenericDriver) Parse(chunk []byte) (*ParseResult, error) {
	return &ParseResult{RawData: chunk}, nil
}

func (d *GenericDriver) Reset() {}

// Chain runs several drivers over the same output and merges their events.
type Chain []Driver

func (c Chain) Name() string { return "chain" }

// Parse feeds chunk to every driver in order. The first error stops the chain.
func (c Chain) Parse(chunk []byte) (*ParseResult, error) {
	result := &ParseResult{RawData: chunk}
	for _, d := range c {
		r, err := d.Parse(chunk)
		if err != nil {
			return result, err
		}
		result.SmartEvents = append(result.SmartEvents, r.SmartEvents...)
	}
	return result, nil
}

func (c Chain) Reset() {
	for _, d := range c {
		d.Reset()
	}
}

// Sink returns a relay.Sink that runs every chunk through d and hands the
// resulting events to onEvent.
func Sink(d Driver, onEvent func(SmartEvent)) relay.Sink {
	return relay.SinkFunc(func(c relay.Chunk) error {
		result, err := d.Parse(c)
		if result != nil && onEvent != nil {
			for _, ev := range result.SmartEvents {
				onEvent(ev)
			}
		}
		return err
	})
}
