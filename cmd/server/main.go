// Command server runs the encrypted multi-room chat server: it loads
// configuration, derives crypto contexts from the configured shared
// secret, and accepts connections until told to stop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/go-i2p/logger"

	"etschat/internal/chatserver"
	"etschat/internal/config"
)

var log = logger.GetGoI2PLogger()

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cfgPath := ""
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "server: invalid config: %v\n", err)
		os.Exit(1)
	}

	srv := chatserver.New([]byte(cfg.SharedSecret), cfg.MaxConnections, log)
	if err := srv.Listen(cfg.Addr()); err != nil {
		log.WithFields(logger.Fields{"error": err}).Error("failed to start listening")
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("received shutdown signal")
		srv.Stop()
	}()

	if err := srv.Serve(); err != nil {
		log.WithFields(logger.Fields{"error": err}).Error("server stopped with error")
		os.Exit(1)
	}
}
