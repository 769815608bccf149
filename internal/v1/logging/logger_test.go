package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogger_FallbackBeforeInit(t *testing.T) {
	l := GetLogger()
	assert.NotNil(t, l)
}

func TestInitialize(t *testing.T) {
	err := Initialize(true)
	assert.NoError(t, err)
	assert.NotNil(t, GetLogger())

	// Subsequent calls are no-ops via sync.Once
	err = Initialize(false)
	assert.NoError(t, err)
}

func TestAppendContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), CorrelationIDKey, "abc-123")
	ctx = context.WithValue(ctx, PubkeyKey, "deadbeefdeadbeefdeadbeef")
	ctx = context.WithValue(ctx, MapIDKey, 42)

	fields := appendContextFields(ctx, nil)
	// correlation_id, pubkey, map_id, service
	assert.Len(t, fields, 4)
}

func TestAppendContextFields_NilContext(t *testing.T) {
	fields := appendContextFields(nil, nil) //nolint:staticcheck // nil ctx is the case under test
	assert.Nil(t, fields)
}

func TestRedactPubkey(t *testing.T) {
	assert.Equal(t, "short", RedactPubkey("short"))
	assert.Equal(t, "deadbeefdead...", RedactPubkey("deadbeefdeadbeefdeadbeef"))
}
