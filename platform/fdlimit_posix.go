//go:build linux || darwin

package platform

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// NoFileCeiling caps the soft open-file limit requested for the engine.
const NoFileCeiling = 65535

// planNoFileLimit returns the soft limit to request and whether it is higher
// than the current one.
func planNoFileLimit(soft, hard, ceiling uint64) (uint64, bool) {
	if ceiling == 0 {
		ceiling = NoFileCeiling
	}
	target := min(hard, ceiling)
	return target, target > soft
}

// RaiseNoFileLimit lifts the soft open-file limit before any engine is
// spawned, since children inherit it. It returns the limit now in effect.
func RaiseNoFileLimit() uint64 {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		logrus.Warnf("[Platform] getrlimit nofile: %v", err)
		return NoFileLimit()
	}
	target, raise := planNoFileLimit(lim.Cur, lim.Max, NoFileCeiling)
	if !raise {
		return lim.Cur
	}
	prev := lim.Cur
	lim.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		logrus.Warnf("[Platform] setrlimit nofile %d (hard %d): %v", target, lim.Max, err)
		return prev
	}
	logrus.Infof("[Platform] open file limit %d -> %d", prev, target)
	return target
}

func NoFileLimit() uint64 {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err == nil && lim.Cur > 0 {
		return lim.Cur
	}
	soft, _, err := readProcLimit("/proc/self/limits", "Max open files")
	if err != nil {
		logrus.Debugf("[Platform] %v", err)
	}
	return soft
}

// readProcLimit returns the soft and hard columns of one row of a
// /proc/<pid>/limits table.
func readProcLimit(path, row string) (uint64, uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), row)
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return 0, 0, fmt.Errorf("%s: short %q row", path, row)
		}
		soft, err := parseLimitValue(fields[0])
		if err != nil {
			return 0, 0, err
		}
		hard, err := parseLimitValue(fields[1])
		if err != nil {
			return 0, 0, err
		}
		return soft, hard, nil
	}
	return 0, 0, fmt.Errorf("%s: no %q row", path, row)
}

func parseLimitValue(v string) (uint64, error) {
	if strings.EqualFold(v, "unlimited") {
		return math.MaxUint64, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
