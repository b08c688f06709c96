package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/putto11262002/fitchat/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	config, err := app.LoadConfig()
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}

	a, err := app.New(ctx, config)
	if err != nil {
		failed(1, "%v\n", err)
	}

	if err := a.Start(); err != nil {
		failed(1, "app exit: %v\n", err)
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
