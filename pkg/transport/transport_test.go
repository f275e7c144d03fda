package transport

import (
	"bufio"
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteFrame(buf, Frame{Type: FrameMessage, Payload: []byte("hello")}))

	f, err := ReadFrame(bufio.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, FrameMessage, f.Type)
	require.Equal(t, []byte("hello"), f.Payload)
}

func TestLimiterGlobalCap(t *testing.T) {
	l := NewLimiter(1, 100, 100)
	require.True(t, l.TryAcquire())
	require.False(t, l.TryAcquire())
	l.Release()
	require.True(t, l.TryAcquire())
}

func TestLimiterPerIPRate(t *testing.T) {
	l := NewLimiter(10, 1, 1)
	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("5.6.7.8"))
}

func TestBackoffForGrowsAndCaps(t *testing.T) {
	require.Equal(t, time.Second, backoffFor(1))
	require.Equal(t, 4*time.Second, backoffFor(2))
	require.Equal(t, 16*time.Second, backoffFor(3))

	capped := backoffFor(maxBackoffAttempts)
	require.Equal(t, capped, backoffFor(maxBackoffAttempts+10))
}

func TestSenderRetriesUntilDeliverySucceeds(t *testing.T) {
	var attempts int32
	deliver := func(addr string, payload []byte) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return errors.New("simulated failure")
		}
		return nil
	}

	s := NewSender(deliver, 10*time.Millisecond, zerolog.Nop())
	defer s.Stop()

	s.Send("hash1", "127.0.0.1:9000", []byte("payload"))
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}
