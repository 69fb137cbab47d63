package tsunami

import (
	"errors"
	"fmt"
)

// Protocol violations: the guest or the bus did something the hardware
// cannot give meaning to.
var (
	ErrInvalidAccessWidth = errors.New("invalid access size for tsunami register")
	ErrOutOfWindow        = errors.New("address outside cchip window")
	ErrUnknownRegister    = errors.New("default case reached")
	ErrReadOnlyRegister   = errors.New("register is read-only")
)

// ErrUnimplementedRegister reports an access to a register that exists in
// hardware but whose behaviour is not modelled.
var ErrUnimplementedRegister = errors.New("not implemented")

// ErrInvalidSource reports a DRIR source index outside [0, 64).
var ErrInvalidSource = errors.New("interrupt source out of range")

// AccessError describes a failed CSR access.
type AccessError struct {
	Op   string // "read" or "write"
	Addr uint64
	Size int
	Reg  Register
	Err  error
}

func (e *AccessError) Error() string {
	switch {
	case errors.Is(e.Err, ErrOutOfWindow), errors.Is(e.Err, ErrInvalidAccessWidth):
		return fmt.Sprintf("cchip: %s addr=0x%x size=%d: %v", e.Op, e.Addr, e.Size, e.Err)
	default:
		return fmt.Sprintf("cchip: %s %s (addr=0x%x): %v", e.Op, e.Reg, e.Addr, e.Err)
	}
}

func (e *AccessError) Unwrap() error { return e.Err }

// IsFatal reports whether err must halt the simulation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidAccessWidth) ||
		errors.Is(err, ErrOutOfWindow) ||
		errors.Is(err, ErrUnknownRegister) ||
		errors.Is(err, ErrReadOnlyRegister) ||
		errors.Is(err, ErrUnimplementedRegister)
}

// IsProtocolViolation reports whether err is a bus protocol violation as
// opposed to an access to unmodelled hardware.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrInvalidAccessWidth) ||
		errors.Is(err, ErrOutOfWindow) ||
		errors.Is(err, ErrUnknownRegister) ||
		errors.Is(err, ErrReadOnlyRegister)
}
