package trace

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCode enumerates library error conditions.
type ErrCode int

const (
	ErrOK ErrCode = iota
	// ErrOverlap is an insert into an occupied (address x snap) interval.
	// Always a caller bug; propagated, never retried silently.
	ErrOverlap
	// ErrMissingPrototype is persisted-state corruption: an instruction
	// record names a prototype key the store does not hold.
	ErrMissingPrototype
	// ErrMissingPlatform is persisted-state corruption: an instruction
	// record names a platform key the resolver does not hold.
	ErrMissingPlatform
	// ErrUnknownContext is a parser-context lookup that found no
	// compatible instruction at the requested address.
	ErrUnknownContext
	// ErrDecode is a decoder failure on the opcode bytes.
	ErrDecode
	// ErrMemNacc means the required memory address could not be read.
	ErrMemNacc
	// ErrCodeUnitInsert means a code unit could not be created because
	// something already occupies the location.
	ErrCodeUnitInsert
	// ErrNoMapper means no platform mapper is registered for the trace.
	ErrNoMapper
	// ErrNotInit means a component was used before initialisation.
	ErrNotInit
	// ErrInvalidParam is an invalid value passed to a component.
	ErrInvalidParam
	// ErrRangeLimit means a limit on consecutive decoded instructions
	// was exceeded.
	ErrRangeLimit
)

// ErrSeverity grades an error object.
type ErrSeverity int

const (
	SevError ErrSeverity = iota
	SevWarn
	SevInfo
)

type errDesc struct {
	name string
	msg  string
}

var errorCodeDesc = map[ErrCode]errDesc{
	ErrOK:               {"TRC_OK", "No error."},
	ErrOverlap:          {"TRC_ERR_OVERLAP", "Attempted to set an overlapping entry in the address/snap map."},
	ErrMissingPrototype: {"TRC_ERR_MISSING_PROTOTYPE", "Instruction store is corrupt - prototype key not interned."},
	ErrMissingPlatform:  {"TRC_ERR_MISSING_PLATFORM", "Instruction store is corrupt - platform key not registered."},
	ErrUnknownContext:   {"TRC_ERR_UNKNOWN_CONTEXT", "No compatible instruction at referenced address."},
	ErrDecode:           {"TRC_ERR_DECODE", "Illegal or undecodable opcode in program memory."},
	ErrMemNacc:          {"TRC_ERR_MEM_NACC", "Unable to access required memory address."},
	ErrCodeUnitInsert:   {"TRC_ERR_CODE_UNIT_INSERT", "Conflicting code unit at requested location."},
	ErrNoMapper:         {"TRC_ERR_NO_MAPPER", "No platform mapper registered for the trace."},
	ErrNotInit:          {"TRC_ERR_NOT_INIT", "Component not initialised."},
	ErrInvalidParam:     {"TRC_ERR_INVALID_PARAM", "Invalid value parameter passed to component."},
	ErrRangeLimit:       {"TRC_ERR_RANGE_LIMIT", "Limit on consecutive decoded instructions exceeded."},
}

// BadSnap marks an unset snap position in an error object.
const BadSnap Snap = SnapMax

// Error is the library error object. It carries a code, a severity, and
// optionally the trace position (snap, address) the error refers to.
type Error struct {
	Code    ErrCode
	Sev     ErrSeverity
	Snap    Snap
	Addr    Address
	hasAddr bool
	Message string
}

// NewError creates an error object with no position information.
func NewError(sev ErrSeverity, code ErrCode) *Error {
	return &Error{Code: code, Sev: sev, Snap: BadSnap}
}

// NewErrorMsg creates an error object with a free-form message.
func NewErrorMsg(sev ErrSeverity, code ErrCode, msg string) *Error {
	return &Error{Code: code, Sev: sev, Snap: BadSnap, Message: msg}
}

// NewErrorAt creates an error object positioned at a snap and address.
func NewErrorAt(sev ErrSeverity, code ErrCode, snap Snap, addr Address, msg string) *Error {
	return &Error{Code: code, Sev: sev, Snap: snap, Addr: addr, hasAddr: true, Message: msg}
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	switch e.Sev {
	case SevError:
		sb.WriteString("ERROR:")
	case SevWarn:
		sb.WriteString("WARN :")
	case SevInfo:
		sb.WriteString("INFO :")
	default:
		return "LIBRARY INTERNAL ERROR: Invalid Error Object"
	}
	if desc, ok := errorCodeDesc[e.Code]; ok {
		sb.WriteString(fmt.Sprintf("(%s) [%s]; ", desc.name, desc.msg))
	} else {
		sb.WriteString("(unknown); ")
	}
	if e.Snap != BadSnap {
		sb.WriteString(fmt.Sprintf("Snap=%d; ", e.Snap))
	}
	if e.hasAddr {
		sb.WriteString(fmt.Sprintf("Addr=0x%x; ", uint64(e.Addr)))
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// IsCode reports whether err is, or wraps, a library error with the given
// code.
func IsCode(err error, code ErrCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
