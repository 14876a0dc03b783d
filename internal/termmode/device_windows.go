//go:build windows

package termmode

// deviceOf identifies a console by its handle.
func deviceOf(fd int) (device, error) {
	return device{dev: uint64(fd)}, nil
}
