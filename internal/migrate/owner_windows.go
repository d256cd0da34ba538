//go:build windows

package migrate

import "io/fs"

func ownerOf(info fs.FileInfo) (uid, gid int, ok bool) {
	return 0, 0, false
}
