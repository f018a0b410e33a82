package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttemptState_RotatesThenWaits(t *testing.T) {
	var s AttemptState

	// 池大小 2：两次轮换后第三次失败才等待
	assert.Equal(t, StepRotate, s.Decide("p", 2))
	s.Advanced(1)
	assert.Equal(t, StepRotate, s.Decide("p", 2))
	s.Advanced(0)
	assert.Equal(t, StepWait, s.Decide("p", 2))
	s.ResetRound()
	assert.Equal(t, 0, s.TryTimes())
	assert.Equal(t, StepRotate, s.Decide("p", 2))
}

func TestAttemptState_SingleCredential(t *testing.T) {
	var s AttemptState

	assert.Equal(t, StepRotate, s.Decide("p", 1))
	s.Advanced(0)
	assert.Equal(t, 1, s.TryTimes())
	assert.Equal(t, StepWait, s.Decide("p", 1))
}

func TestAttemptState_PromptChangeResets(t *testing.T) {
	var s AttemptState

	assert.True(t, s.Observe("a"))
	s.Advanced(1)
	s.Advanced(2)
	assert.False(t, s.Observe("a"))
	assert.Equal(t, 2, s.TryTimes())

	assert.True(t, s.Observe("b"))
	assert.Equal(t, 0, s.TryTimes())
	assert.Equal(t, StepRotate, s.Decide("b", 2))
}

func TestAttemptState_Discard(t *testing.T) {
	var s AttemptState
	s.Observe("a")
	s.Advanced(3)
	s.Discard()

	assert.Equal(t, 0, s.TryTimes())
	assert.True(t, s.Observe("a"))
}
