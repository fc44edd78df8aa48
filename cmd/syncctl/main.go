// Command syncctl is the operator CLI of the profile sync engine. It works
// against the same store and broker as the server, configured from the
// environment.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/config"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/logging"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/server"
)

func main() {
	open := func(ctx context.Context) (*server.Components, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return server.Build(ctx, cfg, logging.NewWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	}

	if err := NewRootCmd(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
