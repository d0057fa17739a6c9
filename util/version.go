package util

import (
	"runtime"
	"strings"
)

// Set through -ldflags "-X corelink/util.Version=...".
var (
	Version   = ""
	Commit    = ""
	BuildDate = ""
)

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func VersionName() string {
	return "corelink/" + orDefault(Version, "dev")
}

func BuildInfo() string {
	return VersionName() +
		" commit=" + orDefault(Commit, "unknown") +
		" build=" + orDefault(BuildDate, "unknown") +
		" go=" + runtime.Version() +
		" " + runtime.GOOS + "/" + runtime.GOARCH
}
