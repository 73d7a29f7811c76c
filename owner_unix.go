//go:build unix

package sfs

import (
	"os"
	"syscall"
)

// fileOwner returns the uid and gid recorded in info when the base
// filesystem exposes them.
func fileOwner(info os.FileInfo) (uid, gid int, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}
