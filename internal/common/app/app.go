package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
)

// CreateContextWithShutdown returns a context that will report done when a SIGINT or SIGTERM is received
func CreateContextWithShutdown() *orchcontext.Context {
	ctx, cancel := orchcontext.WithCancel(orchcontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx
}
