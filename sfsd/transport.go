package sfsd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// ErrReplyMismatch is returned when a reply answers another request.
var ErrReplyMismatch = errors.New("reply does not match request")

// Caller delivers a request to a daemon and returns its reply.
type Caller interface {
	Call(ctx context.Context, r *Request) (*Reply, error)
}

// Local calls a daemon in the same process.
type Local struct {
	Daemon *Daemon
}

// Call hands the request straight to the daemon.
func (l Local) Call(ctx context.Context, r *Request) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Daemon.Handle(ctx, r), nil
}

// Server answers requests arriving on a mangos REP socket.
type Server struct {
	daemon *Daemon
	sock   mangos.Socket
	codec  Codec
	log    logrus.FieldLogger
	addr   string
}

// Listen binds a REP socket to addr, a mangos URL such as
// tcp://127.0.0.1:7711, ipc:///run/sfsd.sock or inproc://sfsd.
func Listen(d *Daemon, addr string, codec Codec, recvTimeout time.Duration) (*Server, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REP socket: %w", err)
	}
	if recvTimeout > 0 {
		if err := sock.SetOption(mangos.OptionRecvDeadline, recvTimeout); err != nil {
			sock.Close()
			return nil, fmt.Errorf("failed to set receive deadline: %w", err)
		}
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		daemon: d,
		sock:   sock,
		codec:  codec,
		log:    d.log.WithField("listen", addr),
		addr:   addr,
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.addr
}

// Serve answers requests until ctx is done or the server is closed. With a
// receive timeout configured, cancellation is noticed within one timeout.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("serving")
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := s.sock.Recv()
		if errors.Is(err, mangos.ErrRecvTimeout) {
			continue
		}
		if errors.Is(err, mangos.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive failed: %w", err)
		}

		out, err := s.codec.Marshal(s.answer(ctx, frame))
		if err != nil {
			s.log.WithError(err).Error("cannot encode reply")
			continue
		}
		if err := s.sock.Send(out); err != nil {
			s.log.WithError(err).Warn("cannot send reply")
		}
	}
}

func (s *Server) answer(ctx context.Context, frame []byte) *Reply {
	var r Request
	if err := s.codec.Unmarshal(frame, &r); err != nil {
		s.log.WithError(err).Warn("dropping malformed request")
		return &Reply{Kind: KindReply, Code: CodeFail, Reason: ReasonInvalid, Message: err.Error()}
	}
	return s.daemon.Handle(ctx, &r)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.sock.Close()
}

// Conn is a client connection over a mangos REQ socket. Calls are
// serialised.
type Conn struct {
	mu    sync.Mutex
	sock  mangos.Socket
	codec Codec
}

// Dial connects to a daemon at addr. A positive timeout bounds each call.
func Dial(addr string, codec Codec, timeout time.Duration) (*Conn, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	if timeout > 0 {
		for _, opt := range []string{mangos.OptionRecvDeadline, mangos.OptionSendDeadline} {
			if err := sock.SetOption(opt, timeout); err != nil {
				sock.Close()
				return nil, fmt.Errorf("failed to set %s: %w", opt, err)
			}
		}
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Conn{sock: sock, codec: codec}, nil
}

// Call sends r and waits for its reply.
func (c *Conn) Call(ctx context.Context, r *Request) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.ReplyTo == "" {
		r.ReplyTo = uuid.NewString()
	}
	out, err := c.codec.Marshal(r)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sock.Send(out); err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	frame, err := c.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("receive failed: %w", err)
	}

	var reply Reply
	if err := c.codec.Unmarshal(frame, &reply); err != nil {
		return nil, err
	}
	if reply.ReplyTo != r.ReplyTo {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrReplyMismatch, r.ReplyTo, reply.ReplyTo)
	}
	return &reply, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.sock.Close()
}
