package utils

import (
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-vproxy/utils/logger"
)

func NoFileLimit() unix.Rlimit {
	var rLimit unix.Rlimit
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		logger.Errorf("Error Getting Rlimit: %v", err)
	}
	return rLimit
}

// SetNoFileLimit raises the fd limit; failures are logged, the proxy keeps
// running with the inherited limit.
func SetNoFileLimit(cur, max uint64) {
	limit := unix.Rlimit{Cur: cur, Max: max}
	err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit)
	if err != nil {
		logger.Warnf("Error Setting Rlimit: %v, current: %+v", err, NoFileLimit())
	}
}
