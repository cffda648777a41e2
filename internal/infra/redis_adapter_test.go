package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := Connect(ctx, Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestToArgs(t *testing.T) {
	assert.Equal(t, []interface{}{"a", "b"}, toArgs([]string{"a", "b"}))
	assert.Empty(t, toArgs(nil))
}
