package dnsframe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleTransactionYieldsExactlyOneItem(t *testing.T) {
	calls := 0
	tx := Single(func(context.Context) (*CallResult, error) {
		calls++
		return NewCallResult(nil), nil
	})

	item, ok := tx.Next(context.Background())
	require.True(t, ok)
	assert.NoError(t, item.Err)
	assert.Equal(t, 1, calls)

	_, ok = tx.Next(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 1, calls, "a second Next must not invoke the closure again")
}

func TestSingleTransactionPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	tx := Single(func(context.Context) (*CallResult, error) {
		return nil, wantErr
	})

	item, ok := tx.Next(context.Background())
	require.True(t, ok)
	assert.ErrorIs(t, item.Err, wantErr)
}

func TestStreamTransactionDrainsChannelInOrder(t *testing.T) {
	ch := make(chan Item, 2)
	ch <- Item{Result: NewCallResult(nil)}
	ch <- Item{Result: NewCallResult(nil).WithCommand(ServiceCommand{Kind: CmdCloseConnection})}
	close(ch)

	tx := Stream(ch)
	assert.True(t, tx.IsStream())

	item, ok := tx.Next(context.Background())
	require.True(t, ok)
	assert.Nil(t, item.Result.Command)

	item, ok = tx.Next(context.Background())
	require.True(t, ok)
	require.NotNil(t, item.Result.Command)
	assert.Equal(t, CmdCloseConnection, item.Result.Command.Kind)

	_, ok = tx.Next(context.Background())
	assert.False(t, ok)
}

func TestStreamTransactionRespectsContextCancellation(t *testing.T) {
	ch := make(chan Item)
	tx := Stream(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	item, ok := tx.Next(ctx)
	require.True(t, ok)
	assert.ErrorIs(t, item.Err, context.Canceled)
}

func TestSingleTransactionIsNotAStream(t *testing.T) {
	tx := Single(func(context.Context) (*CallResult, error) { return nil, nil })
	assert.False(t, tx.IsStream())
}
