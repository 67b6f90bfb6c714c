package controlpoint

import (
	"errors"
	"fmt"

	"binupnp-cp/internal/wire"
)

var (
	// ErrNoResponse is returned when no usable response arrived after all
	// attempts.
	ErrNoResponse = errors.New("controlpoint: no response")
	// ErrNoBundle is returned for devices whose interface bundle is gone.
	ErrNoBundle = errors.New("controlpoint: no bundle for device")
)

// ResultError carries a non-OK result code, either reported by the device
// or determined locally while decoding its response.
type ResultError struct {
	Op   string
	Code uint8
}

func (e *ResultError) Error() string {
	name := wire.ResultName(e.Code)
	if name == "" {
		name = fmt.Sprintf("result %d", e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, name)
}

func resultErr(op string, code uint8) error {
	return &ResultError{Op: op, Code: code}
}

// ResultCode maps an invocation error to the result code reported to
// callers: ResultOk for nil, NoResponseMessage when nothing came back.
func ResultCode(err error) uint8 {
	if err == nil {
		return wire.ResultOk
	}
	var re *ResultError
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, ErrNoResponse) {
		return wire.ResultNoResponseMessage
	}
	return wire.ResultUnknownError
}
