// Package fault defines the closed ErrorKind set (spec §7) and the
// fault/watchdog reaction policy (spec §4.6, §8 R12).
package fault

import "fmt"

// Kind is one member of the closed ErrorKind enum from spec §7.
type Kind uint8

const (
	// Parsing / loading.
	InvalidMagic Kind = iota
	UnsupportedVersion
	InvalidHeader
	InvalidChecksum
	InvalidSectionTable
	SectionAlignment
	SectionOverlap
	SectionOutOfBounds
	MissingSection
	InvalidSection
	InvalidIndex
	InvalidOpcode
	InvalidJumpTarget
	InvalidPouID

	// Evaluation.
	TypeMismatch
	Overflow
	DivisionByZero
	ModuloByZero
	OutOfRange
	NullReference
	UndefinedVariable
	UndefinedFunction
	UndefinedProgram
	UndefinedTask
	UndefinedFunctionBlock
	InvalidArgumentCount
	InvalidArgumentName
	InvalidTaskSingle
	InvalidFrame
	InvalidControlFlow

	// Runtime policy.
	ResourceFaulted
	DeadlineExceeded

	// Persistence.
	RetainStore
)

var kindNames = map[Kind]string{
	InvalidMagic: "InvalidMagic", UnsupportedVersion: "UnsupportedVersion",
	InvalidHeader: "InvalidHeader", InvalidChecksum: "InvalidChecksum",
	InvalidSectionTable: "InvalidSectionTable", SectionAlignment: "SectionAlignment",
	SectionOverlap: "SectionOverlap", SectionOutOfBounds: "SectionOutOfBounds",
	MissingSection: "MissingSection", InvalidSection: "InvalidSection",
	InvalidIndex: "InvalidIndex", InvalidOpcode: "InvalidOpcode",
	InvalidJumpTarget: "InvalidJumpTarget", InvalidPouID: "InvalidPouID",
	TypeMismatch: "TypeMismatch", Overflow: "Overflow", DivisionByZero: "DivisionByZero",
	ModuloByZero: "ModuloByZero", OutOfRange: "OutOfRange", NullReference: "NullReference",
	UndefinedVariable: "UndefinedVariable", UndefinedFunction: "UndefinedFunction",
	UndefinedProgram: "UndefinedProgram", UndefinedTask: "UndefinedTask",
	UndefinedFunctionBlock: "UndefinedFunctionBlock", InvalidArgumentCount: "InvalidArgumentCount",
	InvalidArgumentName: "InvalidArgumentName", InvalidTaskSingle: "InvalidTaskSingle",
	InvalidFrame: "InvalidFrame", InvalidControlFlow: "InvalidControlFlow",
	ResourceFaulted: "ResourceFaulted", DeadlineExceeded: "DeadlineExceeded",
	RetainStore: "RetainStore",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// Error is the single concrete error type used across the engine; it
// carries a Kind plus kind-specific detail fields, in place of Rust's
// payload-carrying enum variants (spec §7, SPEC_FULL §7).
type Error struct {
	Kind Kind
	Msg  string

	// optional, kind-specific payload
	Expected uint64
	Actual   uint64
	Name     string
	Index    uint32
	Byte     uint8

	cause error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

// Unwrap exposes a wrapped cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// Named builds an Error carrying a name payload (UndefinedVariable,
// UndefinedFunction, ...).
func Named(kind Kind, name string) *Error {
	return &Error{Kind: kind, Name: name, Msg: name}
}

// ChecksumMismatch builds the InvalidChecksum{expected,actual} variant.
func ChecksumMismatch(expected, actual uint32) *Error {
	return &Error{Kind: InvalidChecksum, Expected: uint64(expected), Actual: uint64(actual),
		Msg: fmt.Sprintf("expected %08x, got %08x", expected, actual)}
}

// ArgCountMismatch builds the InvalidArgumentCount{expected,got} variant.
func ArgCountMismatch(expected, got int) *Error {
	return &Error{Kind: InvalidArgumentCount, Expected: uint64(expected), Actual: uint64(got),
		Msg: fmt.Sprintf("expected %d args, got %d", expected, got)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}
