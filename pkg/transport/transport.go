// Package transport implements C7: the framed TCP boundary every inbound
// and outbound node-to-node byte stream crosses. It owns rate limiting,
// the process-wide connection cap, and the outbound retry scheduler;
// frame interpretation belongs to the caller (pkg/netjob, pkg/relay).
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
	"golang.org/x/time/rate"
)

// FrameType tags the first byte of every frame on the wire.
type FrameType byte

const (
	// FrameMessage carries a canonical-encoded pkg/message envelope.
	FrameMessage FrameType = 0x01
	// FrameVRPack carries a VectorFS subscription sync payload.
	FrameVRPack FrameType = 0x02
)

const maxFrameLen = 64 << 20 // 64 MiB

// Frame is one length-prefixed, type-tagged unit on the wire:
// [1-byte type][4-byte big-endian length][payload].
type Frame struct {
	Type    FrameType
	Payload []byte
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 5)
	header[0] = byte(f.Type)
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return shinkerr.Wrap(shinkerr.CategoryTransport, shinkerr.CodeWriteFailed, "write frame header", err)
	}
	if _, err := w.Write(f.Payload); err != nil {
		return shinkerr.Wrap(shinkerr.CategoryTransport, shinkerr.CodeWriteFailed, "write frame payload", err)
	}
	return nil
}

// ReadFrame blocks until a full frame is read from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameLen {
		return Frame{}, shinkerr.New(shinkerr.CategoryDecode, shinkerr.CodeInvalidSchema, fmt.Sprintf("frame length %d exceeds max %d", length, maxFrameLen))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameType(header[0]), Payload: payload}, nil
}

// Limiter is the process-wide connection admission policy: a global
// semaphore bounding total concurrent connections, plus a per-IP
// token-bucket rate limiter bounding new connections from any single
// address. Frames on an admitted connection are not rate-limited.
type Limiter struct {
	maxConnections int
	sem            chan struct{}

	mu       sync.Mutex
	perIP    map[string]*rate.Limiter
	ratePerS float64
	burst    int
}

// NewLimiter builds a Limiter admitting at most maxConnections total,
// with each IP rate-limited to ratePerSecond sustained, burst allowed.
func NewLimiter(maxConnections int, ratePerSecond float64, burst int) *Limiter {
	return &Limiter{
		maxConnections: maxConnections,
		sem:            make(chan struct{}, maxConnections),
		perIP:          make(map[string]*rate.Limiter),
		ratePerS:       ratePerSecond,
		burst:          burst,
	}
}

// TryAcquire reserves one of the global connection slots. ok is false
// when the node is already at MaxConnections.
func (l *Limiter) TryAcquire() (ok bool) {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a previously acquired connection slot.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
	default:
	}
}

// Allow reports whether ip may open/continue a connection right now,
// consuming one token from its bucket.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.ratePerS), l.burst)
		l.perIP[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Listener wraps net.Listener with connection admission and frame-level
// plumbing, handing each accepted connection to handle.
type Listener struct {
	addr    string
	limiter *Limiter
	logger  zerolog.Logger
}

// NewListener builds a Listener bound to addr, admission-controlled by limiter.
func NewListener(addr string, limiter *Limiter, logger zerolog.Logger) *Listener {
	return &Listener{addr: addr, limiter: limiter, logger: logger.With().Str("component", "transport").Logger()}
}

// Handler processes one accepted, admitted connection until it closes.
type Handler func(conn net.Conn, remoteIP string)

// Serve accepts connections until ctx-like stop is closed, dispatching
// each admitted one to handle in its own goroutine.
func (l *Listener) Serve(stop <-chan struct{}, handle Handler) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return shinkerr.Wrap(shinkerr.CategoryTransport, shinkerr.CodeDialFailed, "listen", err)
	}
	go func() {
		<-stop
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return shinkerr.Wrap(shinkerr.CategoryTransport, shinkerr.CodeDialFailed, "accept", err)
			}
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !l.limiter.Allow(host) {
			l.logger.Warn().Str("ip", host).Msg("rejecting connection: rate limited")
			_ = conn.Close()
			continue
		}
		if !l.limiter.TryAcquire() {
			l.logger.Warn().Str("ip", host).Msg("rejecting connection: at capacity")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn, ip string) {
			defer l.limiter.Release()
			defer c.Close()
			handle(c, ip)
		}(conn, host)
	}
}

// Dial opens an outbound connection to addr.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryTransport, shinkerr.CodeDialFailed, "dial "+addr, err)
	}
	return conn, nil
}
