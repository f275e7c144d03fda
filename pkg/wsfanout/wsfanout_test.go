package wsfanout

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(zerolog.Nop())
	key, err := shinkcrypto.GenerateAES256Key()
	require.NoError(t, err)

	ch, unsubscribe := b.Subscribe("job_inbox::job1", "client1", key)
	defer unsubscribe()

	b.Publish(Update{Topic: "job_inbox::job1", Kind: "message", Payload: []byte("hi")})

	select {
	case frame := <-ch:
		update, err := DecryptFrame(key, frame)
		require.NoError(t, err)
		require.Equal(t, "job_inbox::job1", update.Topic)
		require.Equal(t, []byte("hi"), update.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected update")
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	b := New(zerolog.Nop())
	key, _ := shinkcrypto.GenerateAES256Key()
	ch, unsubscribe := b.Subscribe("job_inbox::job1", "client1", key)
	defer unsubscribe()

	b.Publish(Update{Topic: "job_inbox::job2", Kind: "message", Payload: []byte("hi")})

	select {
	case <-ch:
		t.Fatal("should not have received update for a different topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsWhenBufferFullWithoutBlocking(t *testing.T) {
	b := New(zerolog.Nop())
	key, _ := shinkcrypto.GenerateAES256Key()
	_, unsubscribe := b.Subscribe("topic", "client1", key)
	defer unsubscribe()

	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Update{Topic: "topic", Kind: "message", Payload: []byte("x")})
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(zerolog.Nop())
	key, _ := shinkcrypto.GenerateAES256Key()
	ch, unsubscribe := b.Subscribe("topic", "client1", key)
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}
