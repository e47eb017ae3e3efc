package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var AppName = "imapwatch"

const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	config := zap.NewDevelopmentConfig()
	level := zap.NewAtomicLevel()
	level.SetLevel(zap.InfoLevel)
	config.Level = level
	logger, _ := config.Build()
	defer logger.Sync()
	log := logger.Sugar()

	var confFile string
	var envFile string
	var debug bool

	flag.StringVar(&confFile, "c", "config.yaml", "Configuration file")
	flag.StringVar(&confFile, "configuration", "config.yaml", "Configuration file")
	flag.StringVar(&envFile, "e", "", "Environment file loaded before the watchers start")
	flag.BoolVar(&debug, "d", false, "Debug mode")
	flag.Parse()

	if debug {
		level.SetLevel(zap.DebugLevel)
	}

	log.Infof("Starting %s", AppName)

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Errorf("Error loading environment file: %s", err)
			return 1
		}
	}

	configuration, err := LoadConfiguration(confFile)
	if err != nil {
		log.Errorf("Error reading configuration file: %s", err)
		return 1
	}
	if len(configuration.Mailboxes) == 0 {
		log.Warn("No mailboxes configured. Nothing to do.")
		return 0
	}

	runner := NewCallbackRunner(log)
	notifier := NewDesktopNotifier(log)

	sessions := make([]watchSession, 0, len(configuration.Mailboxes))
	for _, conf := range configuration.Mailboxes {
		var n messageNotifier
		if conf.Notify {
			n = notifier
		}
		sessions = append(sessions, NewMailboxWatcher(log, conf, runner, n))
	}

	supervisor := NewWatchSupervisor(log, sessions)
	supervisor.Start(context.Background())

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGTERM, syscall.SIGINT)

	select {
	case s := <-signalChannel:
		log.Infof("Signal %s received", s.String())
	case <-supervisor.Done():
		log.Error("All watch sessions have ended")
	}

	supervisor.Shutdown(shutdownGrace)
	runner.Close(shutdownGrace)

	if supervisor.AllFatal() {
		return 1
	}
	return 0
}
