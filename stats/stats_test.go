package stats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_mergeTags(t *testing.T) {
	merged := mergeTags(
		Tags{"a": 1, "b": "x"},
		Tags{"b": "y", "c": nil},
	)

	assert.Equal(t, Tags{"a": 1, "b": "y"}, merged)
}

func Test_joinPrefixes(t *testing.T) {
	assert.Equal(t, "porthole.scan", joinPrefixes("porthole", "", "scan"))
	assert.Equal(t, "", joinPrefixes("", ""))
}

func Test_GetStats_Default(t *testing.T) {
	// A context without stats must yield a usable no-op client.
	st := GetStats(context.Background())
	st.Incr("noop", nil, 1)

	ctx := InjectContext(context.Background(), Noop().WithPrefix("test"))
	assert.Equal(t, "test", GetStats(ctx).prefix)
}
