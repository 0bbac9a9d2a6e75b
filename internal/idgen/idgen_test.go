package idgen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("cluster")
	assert.Regexp(t, regexp.MustCompile(`^cluster_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, WithPrefix("cluster"))
}

func TestJobID_Ordered(t *testing.T) {
	a := JobID()
	b := JobID()
	require.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestPointID_Stable(t *testing.T) {
	assert.Equal(t, PointID("user_1_ltm", "vec_1"), PointID("user_1_ltm", "vec_1"))
	assert.NotEqual(t, PointID("user_1_ltm", "vec_1"), PointID("user_2_ltm", "vec_1"))
}
