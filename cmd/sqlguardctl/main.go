package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlguard/sqlguard/internal/cli/sqlguardctl"
	"github.com/sqlguard/sqlguard/internal/config"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv("SQLGUARD_ENV_FILE")); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "dotenv error: %v\n", err)
	}
	opts, err := sqlguardctl.OptionsFromEnv(os.LookupEnv)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
	}
	opts.Stdout, opts.Stderr = os.Stdout, os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := sqlguardctl.Run(ctx, os.Args[1:], opts)
	stop()
	os.Exit(code)
}
