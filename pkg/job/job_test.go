package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewJob(t *testing.T) {
	now := time.Now()
	j := New("acme", now)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusPending, j.Status)
	assert.Len(t, j.Steps, len(StepNames))
	for i, s := range j.Steps {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, StepNames[i], s.Name)
		assert.Equal(t, StatusPending, s.Status)
	}
	assert.Equal(t, 0, j.Next())
}

func TestCanTransition(t *testing.T) {
	j := New("acme", time.Now())

	assert.True(t, j.CanTransition(0, StatusRunning))
	assert.False(t, j.CanTransition(1, StatusRunning), "predecessor has not succeeded")
	assert.False(t, j.CanTransition(0, StatusSuccess), "must run before finishing")
	assert.False(t, j.CanTransition(5, StatusRunning))

	j.Steps[0].Status = StatusRunning
	assert.False(t, j.CanTransition(0, StatusPending), "no going back")
	assert.True(t, j.CanTransition(0, StatusSuccess))

	j.Steps[0].Status = StatusSuccess
	assert.False(t, j.CanTransition(0, StatusError), "terminal")
	assert.True(t, j.CanTransition(1, StatusRunning))
}

func TestResume(t *testing.T) {
	prev := New("acme", time.Now())
	prev.Steps[0].Status = StatusSuccess
	prev.Steps[1].Status = StatusSuccess
	prev.Steps[2].Status = StatusError
	prev.Steps[2].Message = "exceeded quota"
	prev.Status = StatusError

	j := Resume(prev, time.Now())
	assert.NotEqual(t, prev.ID, j.ID)
	assert.Equal(t, 2, j.Next())
	assert.Equal(t, StatusPending, j.Steps[2].Status)
	assert.Empty(t, j.Steps[2].Message)
	assert.Equal(t, StatusSuccess, j.Steps[1].Status)
}

func TestCopyIsIndependent(t *testing.T) {
	j := New("acme", time.Now())
	c := j.Copy()
	c.Steps[0].Status = StatusRunning
	assert.Equal(t, StatusPending, j.Steps[0].Status)
}
