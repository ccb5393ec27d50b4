package devicebus

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTimeout         = errors.New("function timeout")
	ErrTxOverflow      = errors.New("previous message is still waiting, buffer full")
	ErrTxBusy          = errors.New("sending rejected because driver is busy, try again")
	ErrInvalidState    = errors.New("driver not ready")
	ErrBusPassive      = errors.New("bus is passive, messages are dropped")
	ErrBusStopped      = errors.New("bus threads are not running")
	ErrNoMatch         = errors.New("no dispatch slot matches this message")
	ErrAlreadyExists   = errors.New("a matcher for this identifier already exists")
)
