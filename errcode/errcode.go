// Package errcode defines the stable error catalogue shared by every memvault
// package.
//
// Each failure carries a numeric Code. Codes are stable across releases and
// match the values exposed by earlier bindings, so callers can switch on them
// without string matching:
//
//	if errors.Is(err, errcode.FrameNotFound) { ... }
//	switch errcode.Of(err) { ... }
package errcode

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a class of failure.
//
// A Code is itself an error so it can be used as an errors.Is target.
type Code uint16

// I/O and encoding.
const (
	IO               Code = 1
	Encode           Code = 2
	Decode           Code = 3
	Lock             Code = 4
	Locked           Code = 5
	ChecksumMismatch Code = 6
	InvalidHeader    Code = 7
	EncryptedFile    Code = 8
	InvalidTOC       Code = 9
)

// Index availability and index format.
const (
	InvalidTimeIndex     Code = 10
	LexNotEnabled        Code = 11
	VecNotEnabled        Code = 12
	ClipNotEnabled       Code = 13
	VecDimensionMismatch Code = 14
	InvalidSketchTrack   Code = 15
	InvalidLogicMesh     Code = 16
	LogicMeshNotEnabled  Code = 17
	NERModelNotAvailable Code = 18
)

// Capability and licensing.
const (
	InvalidTier        Code = 21
	TicketSequence     Code = 22
	TicketRequired     Code = 23
	CapacityExceeded   Code = 24
	APIKeyRequired     Code = 25
	MemoryAlreadyBound Code = 26
)

// Lifecycle and doctor.
const (
	RequiresSealed Code = 31
	RequiresOpen   Code = 32
	DoctorNoOp     Code = 33
	Doctor         Code = 34
)

// Query and frame lookup.
const (
	FeatureUnavailable Code = 41
	InvalidCursor      Code = 42
	InvalidFrame       Code = 43
	FrameNotFound      Code = 44
	FrameNotFoundByURI Code = 45
	InvalidQuery       Code = 46
)

// External verification.
const (
	TicketSignatureInvalid Code = 51
	ModelSignatureInvalid  Code = 52
	ModelManifestInvalid   Code = 53
	ModelIntegrity         Code = 54
)

// Derived-feature failures.
const (
	ExtractionFailed Code = 61
	EmbeddingFailed  Code = 62
	RerankFailed     Code = 63
	LexEngine        Code = 64
	TableExtraction  Code = 65
	SchemaValidation Code = 66
	SynthesisFailed  Code = 67
)

// Integrity.
const (
	WALCorruption         Code = 71
	ManifestWALCorrupted  Code = 72
	CheckpointFailed      Code = 73
	AuxiliaryFileDetected Code = 74
)

var names = map[Code]string{
	IO:                     "io",
	Encode:                 "encode",
	Decode:                 "decode",
	Lock:                   "lock",
	Locked:                 "locked",
	ChecksumMismatch:       "checksum mismatch",
	InvalidHeader:          "invalid header",
	EncryptedFile:          "encrypted file",
	InvalidTOC:             "invalid toc",
	InvalidTimeIndex:       "invalid time index",
	LexNotEnabled:          "lexical index not enabled",
	VecNotEnabled:          "vector index not enabled",
	ClipNotEnabled:         "clip index not enabled",
	VecDimensionMismatch:   "vector dimension mismatch",
	InvalidSketchTrack:     "invalid sketch track",
	InvalidLogicMesh:       "invalid logic mesh",
	LogicMeshNotEnabled:    "logic mesh not enabled",
	NERModelNotAvailable:   "ner model not available",
	InvalidTier:            "invalid tier",
	TicketSequence:         "ticket sequence",
	TicketRequired:         "ticket required",
	CapacityExceeded:       "capacity exceeded",
	APIKeyRequired:         "api key required",
	MemoryAlreadyBound:     "memory already bound",
	RequiresSealed:         "requires sealed memory",
	RequiresOpen:           "requires open memory",
	DoctorNoOp:             "doctor no-op",
	Doctor:                 "doctor",
	FeatureUnavailable:     "feature unavailable",
	InvalidCursor:          "invalid cursor",
	InvalidFrame:           "invalid frame",
	FrameNotFound:          "frame not found",
	FrameNotFoundByURI:     "frame not found by uri",
	InvalidQuery:           "invalid query",
	TicketSignatureInvalid: "ticket signature invalid",
	ModelSignatureInvalid:  "model signature invalid",
	ModelManifestInvalid:   "model manifest invalid",
	ModelIntegrity:         "model integrity",
	ExtractionFailed:       "extraction failed",
	EmbeddingFailed:        "embedding failed",
	RerankFailed:           "rerank failed",
	LexEngine:              "lexical engine",
	TableExtraction:        "table extraction",
	SchemaValidation:       "schema validation",
	SynthesisFailed:        "synthesis failed",
	WALCorruption:          "wal corruption",
	ManifestWALCorrupted:   "manifest wal corrupted",
	CheckpointFailed:       "checkpoint failed",
	AuxiliaryFileDetected:  "auxiliary file detected",
}

// String returns the human readable name of the code.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// Error implements error so a Code can be used as an errors.Is target.
func (c Code) Error() string {
	return "memvault: " + c.String()
}

// Error is a coded failure with optional operation context and cause.
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Code.String())
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Code carried by e.
func (e *Error) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

// New returns a coded error without a cause.
func New(code Code, op, msg string) error {
	return &Error{Code: code, Op: op, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and op to err. It returns nil if err is nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Wrapf attaches code, op and a formatted message to err.
func Wrapf(code Code, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Of returns the outermost Code in err's chain, or 0 if none.
func Of(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return 0
}

// Has reports whether code appears anywhere in err's chain.
func Has(err error, code Code) bool {
	return errors.Is(err, code)
}

// Ensure returns err unchanged if it already carries a code, otherwise it
// wraps it with fallback.
func Ensure(err error, fallback Code, op string) error {
	if err == nil {
		return nil
	}
	if Of(err) != 0 {
		return err
	}
	return Wrap(fallback, op, err)
}
