package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// serveUnix accepts connections on socketPath until ctx is cancelled and
// runs handle for each one. It removes a stale socket file first and the
// socket file on return, and waits for active handlers before returning.
// ready, if set, is closed once the socket is listening.
func serveUnix(ctx context.Context, socketPath string, log *zap.Logger, ready chan<- struct{}, handle func(context.Context, net.Conn)) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info("socket listening", zap.String("path", socketPath))
	if ready != nil {
		close(ready)
	}

	var active sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Error("accept failed", zap.Error(err))
			continue
		}

		active.Add(1)
		go func() {
			defer active.Done()
			defer conn.Close()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			// Unblock reads when the server shuts down.
			go func() {
				<-connCtx.Done()
				conn.Close()
			}()
			handle(connCtx, conn)
		}()
	}

	active.Wait()
	return nil
}
