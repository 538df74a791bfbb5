//go:build !(linux || darwin || freebsd)

package disk

import "errors"

func freeDiskSpace(string) (int64, error) {
	return 0, errors.New("disk: free space not supported on this platform")
}
