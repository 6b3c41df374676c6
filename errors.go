package zstream

import (
	"fmt"
	"io"
	"syscall"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

var (
	// ErrClosed is reported by operations started after Close.
	ErrClosed = errors.New("zstream: connection closed")

	// ErrOutOfMemory is the generic out-of-memory condition that
	// memory allocation codec errors match through errors.Is.
	ErrOutOfMemory error = syscall.ENOMEM
)

// Category tells where an error originated.
type Category uint8

const (
	// CategorySystem marks errors produced by the next layer (socket
	// errors, EOF, cancellation).
	CategorySystem Category = iota
	// CategoryCodec marks errors reported by the zstd codec.
	CategoryCodec
)

func (c Category) String() string {
	if c == CategoryCodec {
		return "codec"
	}
	return "system"
}

// Code identifies a codec error. Values follow the zstd error code
// numbering so that peers built on the reference library report the same
// numbers.
type Code int

const (
	CodeGeneric               Code = 1
	CodePrefixUnknown         Code = 10
	CodeVersionUnsupported    Code = 12
	CodeFrameParamUnsupported Code = 14
	CodeWindowTooLarge        Code = 16
	CodeCorruptionDetected    Code = 20
	CodeChecksumWrong         Code = 22
	CodeDictionaryWrong       Code = 32
	CodeParameterUnsupported  Code = 40
	CodeParameterOutOfBound   Code = 42
	CodeMemoryAllocation      Code = 64
	CodeDstSizeTooSmall       Code = 70
	CodeSrcSizeWrong          Code = 72
)

// Error is the error value surfaced by all adapter operations. Transport
// failures keep their cause and the system category; codec failures carry
// the zstd error code.
type Error struct {
	Category Category
	Code     Code
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return fmt.Sprintf("zstream: codec error %d", e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by category and code. A memory allocation
// codec error additionally matches ErrOutOfMemory, the generic
// out-of-memory condition.
func (e *Error) Is(target error) bool {
	if e.Category == CategoryCodec && e.Code == CodeMemoryAllocation && target == ErrOutOfMemory {
		return true
	}
	o, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == o.Category && (o.Code == 0 || e.Code == o.Code)
}

func newCodecError(code Code, format string, args ...any) *Error {
	return &Error{
		Category: CategoryCodec,
		Code:     code,
		cause:    errors.Errorf("zstream: "+format, args...),
	}
}

func systemError(err error, msg string) error {
	if err == nil || err == io.EOF {
		return err
	}
	return &Error{
		Category: CategorySystem,
		cause:    errors.WithMessage(err, "zstream: "+msg),
	}
}

// mapCodecError translates an error reported by the codec library into
// the unified taxonomy.
func mapCodecError(err error) *Error {
	code := codeFor(err)
	return &Error{
		Category: CategoryCodec,
		Code:     code,
		cause:    errors.WithMessage(err, "zstream: codec"),
	}
}

func codeFor(err error) Code {
	switch {
	case errors.Is(err, zstd.ErrMagicMismatch):
		return CodePrefixUnknown
	case errors.Is(err, zstd.ErrCRCMismatch):
		return CodeChecksumWrong
	case errors.Is(err, zstd.ErrWindowSizeExceeded):
		return CodeWindowTooLarge
	case errors.Is(err, zstd.ErrDecoderSizeExceeded):
		return CodeMemoryAllocation
	case errors.Is(err, zstd.ErrUnknownDictionary):
		return CodeDictionaryWrong
	case errors.Is(err, zstd.ErrDecoderClosed):
		return CodeGeneric
	case errors.Is(err, io.ErrUnexpectedEOF):
		return CodeSrcSizeWrong
	}
	return CodeCorruptionDetected
}
