package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/samthor/notek/jitter"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFrameSize is the largest frame we accept. A Welcome carries the whole document.
	DefaultMaxFrameSize = 8 << 20

	// DefaultInboundBuffer allows for this many frames to be pending before we close the connection.
	DefaultInboundBuffer = 1024

	// DefaultRateLimit is the number of inbound frames per second we allow on a server connection.
	DefaultRateLimit = 200

	// DefaultRateBurst is the maximum burst of inbound frames we allow on a server connection.
	DefaultRateBurst = 400

	// maxReasonLen is the longest close reason a control frame can carry.
	maxReasonLen = 123
)

// Options configures a socket Transport.
type Options struct {
	// MaxFrameSize is the largest inbound frame accepted.
	// Defaults to DefaultMaxFrameSize if zero.
	MaxFrameSize int

	// InboundBuffer allows for this many frames to be pending before we close the connection.
	// Defaults to DefaultInboundBuffer if zero.
	InboundBuffer int

	// RateLimit is the number of inbound frames per second allowed by NewHandler.
	// Defaults to DefaultRateLimit if zero, negative disables.
	RateLimit int

	// RateBurst is the maximum burst of inbound frames allowed by NewHandler.
	// Defaults to DefaultRateBurst if zero.
	RateBurst int

	// PingEvery sends a ping every ~duration.
	PingEvery time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.InboundBuffer == 0 {
		o.InboundBuffer = DefaultInboundBuffer
	}
	if o.RateLimit == 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.RateBurst == 0 {
		o.RateBurst = DefaultRateBurst
	}
}

// NewHandler returns an http.Handler that upgrades requests to WebSocket connections and runs
// the handler on each.
// This always sets InsecureSkipVerify, you should wrap this with something that checks the origin.
func NewHandler(opts Options, handler Handler) http.Handler {
	opts.setDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return // websocket.Accept already writes an error response if it fails.
		}

		var limiter *rate.Limiter
		if opts.RateLimit > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
		}

		// Don't use the http.Request Context, see websocket.Accept comment.
		tr := wrap(context.Background(), c, opts, limiter)
		err = handler(tr)
		tr.Close(err)
		<-tr.closed
	})
}

// Dial connects to a NewHandler endpoint.
// The context only bounds the dial; use Close to shut the Transport down.
func Dial(ctx context.Context, url string, opts Options) (Transport, error) {
	opts.setDefaults()

	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wrap(context.WithoutCancel(ctx), c, opts, nil), nil
}

// CloseStatus derives the WebSocket close status and reason for a shutdown cause.
func CloseStatus(err error) (code websocket.StatusCode, reason string) {
	var closeErr websocket.CloseError

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		return websocket.StatusNormalClosure, ""
	case errors.As(err, &closeErr):
		return closeErr.Code, closeErr.Reason
	case errors.Is(err, ErrProtocol):
		reason = err.Error()
		if len(reason) > maxReasonLen {
			reason = reason[:maxReasonLen]
		}
		return websocket.StatusProtocolError, reason
	default:
		// don't emit internal errors
		return websocket.StatusInternalError, ""
	}
}

type wsTransport struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	conn    *websocket.Conn
	inCh    chan []byte
	limiter *rate.Limiter
	closed  chan struct{}
}

func wrap(parent context.Context, c *websocket.Conn, opts Options, limiter *rate.Limiter) *wsTransport {
	c.SetReadLimit(int64(opts.MaxFrameSize))

	// The pending conn.Read must only be cancelled after we have sent our close frame.
	readCtx, readCancel := context.WithCancel(parent)
	ctx, cancel := context.WithCancelCause(readCtx)

	tr := &wsTransport{
		ctx:     ctx,
		cancel:  cancel,
		conn:    c,
		inCh:    make(chan []byte, opts.InboundBuffer),
		limiter: limiter,
		closed:  make(chan struct{}),
	}

	context.AfterFunc(ctx, func() {
		defer close(tr.closed)
		code, reason := CloseStatus(context.Cause(ctx))
		c.Close(code, reason)
		readCancel() // only cancel readCtx after ctx
	})

	if opts.PingEvery > 0 {
		go tr.runPing(opts.PingEvery)
	}

	go func() {
		err := tr.runRead(readCtx)
		cancel(err)
	}()

	return tr
}

func (t *wsTransport) runPing(every time.Duration) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(jitter.Ratio(every, 0.25)):
		}
		if err := t.conn.Ping(t.ctx); err != nil {
			t.cancel(err)
			return
		}
	}
}

func (t *wsTransport) runRead(ctx context.Context) error {
	for {
		typ, b, err := t.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return ErrClosed
			}
			return err
		}

		if typ != websocket.MessageBinary {
			return websocket.CloseError{Code: websocket.StatusUnsupportedData, Reason: "unexpected message type"}
		}

		if t.limiter != nil && !t.limiter.Allow() {
			return websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "rate limit exceeded"}
		}

		select {
		case t.inCh <- b:
		default:
			// Channel full, slow consumer
			return websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "input channel full"}
		}
	}
}

func (t *wsTransport) Context() context.Context {
	return t.ctx
}

func (t *wsTransport) Read() ([]byte, error) {
	// prefer frames that arrived before shutdown
	select {
	case b := <-t.inCh:
		return b, nil
	default:
	}

	select {
	case b := <-t.inCh:
		return b, nil
	case <-t.ctx.Done():
		return nil, context.Cause(t.ctx)
	}
}

func (t *wsTransport) Send(b []byte) error {
	err := t.conn.Write(t.ctx, websocket.MessageBinary, b)
	if err != nil {
		err = fmt.Errorf("transport: send: %w", err)
		t.cancel(err) // kill ctx if we fail to write
	}
	return err
}

func (t *wsTransport) Close(err error) {
	t.cancel(err)
}
