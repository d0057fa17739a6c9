//go:build linux

package platform

import "golang.org/x/sys/unix"

func currentEuid() int {
	return unix.Geteuid()
}

func readXattr(path, attr string, dest []byte) (int, error) {
	return unix.Getxattr(path, attr, dest)
}
