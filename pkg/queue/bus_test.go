package queue

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func TestRetryOfDefaultsToZero(t *testing.T) {
	require.Equal(t, 0, RetryOf(amqp.Table{}))
	require.Equal(t, 0, RetryOf(nil))
}

func TestRetryOfReadsIntegerVariants(t *testing.T) {
	require.Equal(t, 3, RetryOf(amqp.Table{HeaderRetry: int32(3)}))
	require.Equal(t, 4, RetryOf(amqp.Table{HeaderRetry: int64(4)}))
	require.Equal(t, 5, RetryOf(amqp.Table{HeaderRetry: 5}))
}

func TestRetryOfIgnoresWrongType(t *testing.T) {
	require.Equal(t, 0, RetryOf(amqp.Table{HeaderRetry: "not-a-number"}))
}

func TestNextHeadersIncrementsRetry(t *testing.T) {
	original := amqp.Table{HeaderRetry: int32(2), HeaderTraceParent: "trace-1"}
	next := nextHeaders(original, nil)
	require.Equal(t, 3, next[HeaderRetry])
	require.Equal(t, "trace-1", next[HeaderTraceParent])
}

func TestNextHeadersStartsAtOneWhenAbsent(t *testing.T) {
	next := nextHeaders(amqp.Table{}, nil)
	require.Equal(t, 1, next[HeaderRetry])
}

func TestNextHeadersAppliesMutation(t *testing.T) {
	next := nextHeaders(amqp.Table{}, func(h map[string]interface{}) {
		h["slice_result"] = "/tmp/result.json"
	})
	require.Equal(t, "/tmp/result.json", next["slice_result"])
	require.Equal(t, 1, next[HeaderRetry])
}

func TestNextHeadersDoesNotMutateOriginal(t *testing.T) {
	original := amqp.Table{HeaderRetry: int32(1)}
	_ = nextHeaders(original, func(h map[string]interface{}) { h["new"] = "x" })
	require.Equal(t, int32(1), original[HeaderRetry])
	_, ok := original["new"]
	require.False(t, ok)
}
