//go:build !linux && !darwin

package platform

func RaiseNoFileLimit() uint64 { return 0 }

func NoFileLimit() uint64 { return 0 }
