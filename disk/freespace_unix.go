//go:build linux || darwin || freebsd

package disk

import "golang.org/x/sys/unix"

// freeDiskSpace returns the bytes available to unprivileged users on the
// volume holding path.
func freeDiskSpace(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil //nolint:gosec // block counts fit in int64
}
