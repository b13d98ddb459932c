package escrow

import "errors"

var (
	ErrAlreadyInitialized = errors.New("escrow: already initialized")
	ErrNotInitialized     = errors.New("escrow: not initialized")
	ErrInvalidOrderID     = errors.New("escrow: invalid order id")
	ErrUnauthorized       = errors.New("escrow: unauthorized")
	ErrInvalidInput       = errors.New("escrow: invalid input")
	ErrTransferFailed     = errors.New("escrow: transfer failed")
	ErrAlreadyProcessed   = errors.New("escrow: order already processed")
	ErrNotExpired         = errors.New("escrow: order not expired")
)
