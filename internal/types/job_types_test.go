package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed}
	allowed := map[[2]JobStatus]bool{
		{JobStatusPending, JobStatusProcessing}:    true,
		{JobStatusProcessing, JobStatusProcessing}: true,
		{JobStatusProcessing, JobStatusCompleted}:  true,
		{JobStatusProcessing, JobStatusFailed}:     true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]JobStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0.0, ProgressPercent(0, 0))
	assert.Equal(t, 33.3, ProgressPercent(1, 3))
	assert.Equal(t, 66.7, ProgressPercent(2, 3))
	assert.Equal(t, 100.0, ProgressPercent(4, 4))
}

func TestLTMNamespace(t *testing.T) {
	assert.Equal(t, "user_42_ltm", LTMNamespace("42"))
}
