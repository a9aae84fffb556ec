package h2

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const (
	DefaultAddr = "localhost:8080"

	// DefaultDrainTimeout bounds how long Serve waits for open requests after ctx is done.
	DefaultDrainTimeout = 10 * time.Second
)

type ServeOpts struct {
	// Addr is the address to listen on. Defaults to DefaultAddr.
	Addr string

	// Handler is the handler to serve.
	// If nil, uses [http.DefaultServeMux].
	Handler http.Handler

	// DrainTimeout defaults to DefaultDrainTimeout.
	DrainTimeout time.Duration

	// OnListen is called with the bound address once listening, if set.
	OnListen func(addr net.Addr)
}

// Serve serves h2c traffic until ctx is done, then shuts down gracefully.
// It returns nil after a clean shutdown.
func Serve(ctx context.Context, opts ServeOpts) error {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	s := &http.Server{
		Handler:     Handler(opts.Handler),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.DrainTimeout)
	defer cancel()
	err = s.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}
