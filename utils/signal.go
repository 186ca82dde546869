package utils

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wiloon/w-vproxy/utils/logger"
)

type AppExitHandler func()

func WaitSignals(appExitHandler AppExitHandler) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	s := <-signals
	fmt.Printf("\n")
	logger.Infof("signal received: %v", s)
	appExitHandler()
	logger.Infof("---\n")
	logger.Sync()
}
