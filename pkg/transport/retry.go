package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxBackoffAttempts caps the exponential schedule: 4^(n-1) seconds,
// with the exponent capped at this attempt (4^5 = 1024 s) so a permanently
// unreachable peer doesn't grow its retry interval without bound.
const maxBackoffAttempts = 6

// backoffFor returns the delay before retry attempt n (1-indexed):
// 4^(n-1) seconds, capped at attempt maxBackoffAttempts.
func backoffFor(attempt int) time.Duration {
	if attempt > maxBackoffAttempts {
		attempt = maxBackoffAttempts
	}
	seconds := 1
	for i := 1; i < attempt; i++ {
		seconds *= 4
	}
	return time.Duration(seconds) * time.Second
}

// pendingSend is one outbound message awaiting delivery or retry,
// deduplicated on MessageHash so a redelivered frame never double-sends.
type pendingSend struct {
	MessageHash string
	Addr        string
	Payload     []byte
	Attempt     int
	NextTry     time.Time
}

// Sender is the exponential-backoff outbound retry scheduler: Send
// attempts immediate delivery via deliver, and on failure re-queues the
// message for a ticker-driven retry pass instead of blocking the caller.
// A pending message is retried until it is delivered or the Sender stops;
// there is no limit on the number of attempts.
type Sender struct {
	deliver func(addr string, payload []byte) error
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSend

	stop chan struct{}
	once sync.Once
}

// NewSender builds a Sender that delivers frames via deliver and runs
// its retry ticker at tick.
func NewSender(deliver func(addr string, payload []byte) error, tick time.Duration, logger zerolog.Logger) *Sender {
	s := &Sender{
		deliver: deliver,
		logger:  logger.With().Str("component", "transport.sender").Logger(),
		pending: make(map[string]*pendingSend),
		stop:    make(chan struct{}),
	}
	go s.loop(tick)
	return s
}

// Send attempts immediate delivery. On failure the message enters the
// retry schedule keyed by messageHash. A later Send for the same hash
// removes the pending entry if it delivers, and leaves the existing
// schedule unchanged if it fails again.
func (s *Sender) Send(messageHash, addr string, payload []byte) {
	if err := s.deliver(addr, payload); err == nil {
		s.mu.Lock()
		delete(s.pending, messageHash)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[messageHash]; exists {
		return
	}
	s.pending[messageHash] = &pendingSend{
		MessageHash: messageHash,
		Addr:        addr,
		Payload:     payload,
		Attempt:     1,
		NextTry:     time.Now().Add(backoffFor(1)),
	}
}

func (s *Sender) loop(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.retryDue(now)
		}
	}
}

func (s *Sender) retryDue(now time.Time) {
	s.mu.Lock()
	due := make([]*pendingSend, 0)
	for _, p := range s.pending {
		if !now.Before(p.NextTry) {
			due = append(due, p)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		err := s.deliver(p.Addr, p.Payload)
		s.mu.Lock()
		if err != nil {
			p.Attempt++
			p.NextTry = now.Add(backoffFor(p.Attempt))
			s.logger.Warn().Str("addr", p.Addr).Int("attempt", p.Attempt).Err(err).Msg("retry delivery failed")
		} else {
			delete(s.pending, p.MessageHash)
		}
		s.mu.Unlock()
	}
}

// Stop halts the retry loop.
func (s *Sender) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Pending returns the number of messages currently awaiting retry.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
