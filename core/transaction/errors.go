package transaction

import "errors"

var (
	ErrTxnNotFound        = errors.New("transaction not found")
	ErrTxnAlreadyExists   = errors.New("transaction already exists in table")
	ErrTxnInvalidState    = errors.New("transaction is in an invalid state for this operation")
	ErrParticipantStopped = errors.New("participant is shut down")
)
