// Package serverrun exposes the shared Run entrypoint the CLI uses to start
// the queue server, handling backend lifecycle and graceful shutdown.
//
// Example:
//
//	cfg, _ := config.Load("")
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
