//go:build !windows

package metadata

import (
	"io/fs"
	"syscall"
)

// statOwner extracts uid/gid from the platform stat structure.
func statOwner(info fs.FileInfo) (uid, gid int, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}
