package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerObserveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	assert.Greater(t, timer.Duration(), time.Duration(0))

	h := JobStepDuration
	timer.ObserveDuration(h)
}

func TestHandlerNotNil(t *testing.T) {
	assert.NotNil(t, Handler())
}
