// Package util contains internal helpers (key strings, blob file names).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"crypto/md5" //nolint:gosec // file naming, not security
	"encoding/hex"
	"fmt"
	"strconv"
)

// KeyString converts common key types to the stable string used as the
// manifest primary key and as the file-name hash input.
// Supported: string, [16|32]byte, all int/uint widths, fmt.Stringer.
// Anything else falls back to fmt's %v, which is stable for plain values but
// not for pointers or maps; supply a custom converter for such keys.
func KeyString[K comparable](k K) string {
	switch v := any(k).(type) {
	case string:
		return v
	case [16]byte:
		return hex.EncodeToString(v[:])
	case [32]byte:
		return hex.EncodeToString(v[:])
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case uintptr:
		return strconv.FormatUint(uint64(v), 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", k)
	}
}

// FileName derives a blob file name from a key string: 32 lowercase hex
// digits of its MD5 digest. Names are flat (no separators) and fixed length.
func FileName(key string) string {
	sum := md5.Sum([]byte(key)) //nolint:gosec // not used for security
	return hex.EncodeToString(sum[:])
}
