package dnsframe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceFuncAdaptsPlainFunction(t *testing.T) {
	called := false
	fn := ServiceFunc(func(req *Request) (Transaction, error) {
		called = true
		return Single(func(context.Context) (*CallResult, error) { return NewCallResult(nil), nil }), nil
	})

	var svc Service = fn
	_, err := svc.Call(&Request{})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestServiceErrorShuttingDownMessage(t *testing.T) {
	assert.Equal(t, "dnsframe: service is shutting down", ErrServiceShuttingDown.Error())
}

func TestServiceErrorSpecificWrapsUnderlyingError(t *testing.T) {
	inner := errors.New("zone lookup failed")
	err := NewServiceSpecificError(inner)

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "zone lookup failed")
}

func TestServiceErrorOtherWrapsUnderlyingError(t *testing.T) {
	inner := errors.New("disk full")
	err := NewOtherError(inner)

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "disk full")
}
