//go:build !windows

package termmode

import "golang.org/x/sys/unix"

// deviceOf identifies the terminal behind fd. Descriptors that share a
// terminal (stdin and stdout, a dup) map to the same device.
func deviceOf(fd int) (device, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return device{}, err
	}
	return device{dev: uint64(st.Dev), rdev: uint64(st.Rdev)}, nil
}
