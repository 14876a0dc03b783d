//go:build windows

package main

import (
	"os"
	"time"

	"golang.org/x/term"
)

const resizePollInterval = 250 * time.Millisecond

// watchResize polls the console size, since Windows has no SIGWINCH.
func watchResize(f *os.File, fn func(rows, cols uint16)) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(resizePollInterval)
		defer ticker.Stop()

		lastW, lastH, _ := term.GetSize(int(f.Fd()))
		for {
			select {
			case <-ticker.C:
				w, h, err := term.GetSize(int(f.Fd()))
				if err != nil || (w == lastW && h == lastH) || w <= 0 || h <= 0 {
					continue
				}
				lastW, lastH = w, h
				fn(uint16(h), uint16(w))
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
