package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"pair_chat/internal/service/app"
	"pair_chat/internal/utils/log"
	"syscall"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"
)

func main() {
	arg.MustParse(&args)

	// the terminal belongs to the UI, logs go to a file
	if err := log.Init(args.LogLevel, args.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, "init log:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chat := app.NewApp(app.Config{
		ServerURL:         args.Server,
		Username:          args.Username,
		Password:          args.Password,
		Register:          args.Register,
		Peer:              args.Peer,
		PageSize:          args.PageSize,
		ReconnectAttempts: args.ReconnectAttempts,
		ReconnectDelay:    args.ReconnectDelay,
	})

	if err := chat.Run(ctx); err != nil {
		log.Error("chat client stopped", zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
