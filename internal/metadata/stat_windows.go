//go:build windows

package metadata

import "io/fs"

// statOwner has no uid/gid source on Windows; ownership restore is a no-op.
func statOwner(info fs.FileInfo) (uid, gid int, ok bool) {
	return 0, 0, false
}
