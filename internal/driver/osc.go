package driver

import (
	"bytes"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	esc = 0x1b
	bel = 0x07

	// maxOSCLength bounds a single operating system command. Longer
	// sequences are dropped.
	maxOSCLength = 4096
)

// OSCDriver recognises operating system command sequences (ESC ] ... BEL or
// ESC ] ... ESC \) that shells emit to report state:
//
//	1337;CurrentDir=<path>   working directory, ~ expanded
//	7;file://<host><path>    working directory
//	0;<title>, 2;<title>     window title
//
// Sequences may be split across chunks.
type OSCDriver struct {
	home string
	now  func() time.Time

	inOSC   bool
	sawESC  bool
	partial []byte
	prevESC bool // last chunk ended in ESC outside a sequence
}

// NewOSCDriver creates an OSCDriver expanding ~ to the user's home directory.
func NewOSCDriver() *OSCDriver {
	home, _ := os.UserHomeDir()
	return &OSCDriver{home: home, now: time.Now}
}

func (d *OSCDriver) Name() string { return "osc" }

// Parse scans chunk for complete sequences.
func (d *OSCDriver) Parse(chunk []byte) (*ParseResult, error) {
	result := &ParseResult{RawData: chunk}

	for _, b := range chunk {
		if !d.inOSC {
			if d.prevESC && b == ']' {
				d.inOSC = true
				d.partial = d.partial[:0]
			}
			d.prevESC = b == esc
			continue
		}

		switch {
		case b == bel:
			d.finish(result)
		case d.sawESC && b == '\\':
			d.finish(result)
		case b == esc:
			d.sawESC = true
		default:
			if d.sawESC {
				// ESC followed by anything else aborts the sequence.
				d.abort()
				d.prevESC = false
				continue
			}
			if len(d.partial) >= maxOSCLength {
				d.abort()
				continue
			}
			d.partial = append(d.partial, b)
		}
	}
	return result, nil
}

func (d *OSCDriver) finish(result *ParseResult) {
	if ev, ok := d.interpret(d.partial); ok {
		result.SmartEvents = append(result.SmartEvents, ev)
	}
	d.abort()
}

func (d *OSCDriver) abort() {
	d.inOSC = false
	d.sawESC = false
	d.prevESC = false
	d.partial = d.partial[:0]
}

func (d *OSCDriver) interpret(seq []byte) (SmartEvent, bool) {
	code, params, ok := bytes.Cut(seq, []byte{';'})
	if !ok {
		return SmartEvent{}, false
	}
	value := string(params)

	switch string(code) {
	case "1337":
		dir, found := strings.CutPrefix(value, "CurrentDir=")
		if !found {
			return SmartEvent{}, false
		}
		return d.event(EventCwd, d.expandHome(dir)), true
	case "7":
		u, err := url.Parse(value)
		if err != nil || u.Scheme != "file" || u.Path == "" {
			return SmartEvent{}, false
		}
		return d.event(EventCwd, u.Path), true
	case "0", "2":
		return d.event(EventTitle, value), true
	}
	return SmartEvent{}, false
}

func (d *OSCDriver) expandHome(dir string) string {
	if d.home == "" || !strings.HasPrefix(dir, "~") {
		return dir
	}
	rest := dir[1:]
	if rest != "" && rest[0] != '/' {
		// ~user is left alone.
		return dir
	}
	return d.home + rest
}

func (d *OSCDriver) event(t EventType, value string) SmartEvent {
	return SmartEvent{Type: t, Value: value, Timestamp: d.now()}
}

// Reset forgets any partially read sequence.
func (d *OSCDriver) Reset() {
	d.abort()
}
