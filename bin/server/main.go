package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/zond/apphost/server"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configPath := flag.String("config", "", "TOML file with settings overriding the defaults.")
	sshAddr := flag.String("ssh", "", "Where to listen to SSH connections.")
	dir := flag.String("dir", "", "Where to save the world, app data and settings.")

	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *sshAddr != "" {
		config.SSHAddr = *sshAddr
	}
	if *dir != "" {
		config.Dir = *dir
	}

	if config.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename: config.LogFile,
			MaxSize:  config.LogMaxSizeMB,
			Compress: true,
		}))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(ctx, config)
	if err != nil {
		log.Fatal(err)
	}

	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
