package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionID_ParseRoundTrip(t *testing.T) {
	id := NewTransactionID()
	parsed, err := ParseTransactionID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.Len(t, id.Bytes(), 16)
	require.NotEqual(t, NilTransactionID, id)

	_, err = ParseTransactionID("not-a-transaction")
	require.Error(t, err)
}

func TestRunningTransaction_TerminalStatesAreSticky(t *testing.T) {
	txn := newTestTransaction(NewTransactionID())
	txn.state = TxnStateRunning

	require.NoError(t, txn.setState(TxnStatePrepared))
	require.NoError(t, txn.setState(TxnStateAborted))
	require.NoError(t, txn.setState(TxnStateAborted))
	require.ErrorIs(t, txn.setState(TxnStateCommitted), ErrTxnInvalidState)
	require.Equal(t, TxnStateAborted, txn.State())
}

func TestRunningTransaction_ReleaseBelowZeroPanics(t *testing.T) {
	txn := newTestTransaction(NewTransactionID())
	txn.Release()
	require.True(t, txn.Destroyed())
	require.Panics(t, txn.Release)
	require.Panics(t, txn.Retain)
}
