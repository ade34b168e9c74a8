package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/app"
	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/client"
	"github.com/pigeonchat/pigeon/internal/profile"
	"github.com/pigeonchat/pigeon/internal/tui"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.Int64("user", 0, "signed-in user id")
	flag.Parse()

	if *userFlag == 0 {
		fmt.Fprintln(os.Stderr, "error: --user is required")
		os.Exit(1)
	}

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var (
		core     *client.Client
		eventBus *bus.Bus
		logger   *zap.Logger
	)
	fxApp := fx.New(
		app.Module(app.Params{ProfileName: profileName, UserID: *userFlag}),
		fx.Populate(&core, &eventBus, &logger),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	runErr := tui.NewApp(core, eventBus, profileName, logger).Run()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := fxApp.Stop(stopCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
