package memvault

import "github.com/hupe1980/memvault/errcode"

// Sentinels for errors.Is. Every error returned by a Memory carries one
// errcode.Code; these are the ones callers most often branch on.
var (
	ErrFrameNotFound      error = errcode.FrameNotFound
	ErrFrameNotFoundByURI error = errcode.FrameNotFoundByURI
	ErrInvalidFrame       error = errcode.InvalidFrame
	ErrInvalidQuery       error = errcode.InvalidQuery
	ErrInvalidCursor      error = errcode.InvalidCursor
	ErrCapacityExceeded   error = errcode.CapacityExceeded
	ErrTicketRequired     error = errcode.TicketRequired
	ErrAPIKeyRequired     error = errcode.APIKeyRequired
	ErrLocked             error = errcode.Locked
	ErrRequiresOpen       error = errcode.RequiresOpen
	ErrRequiresSealed     error = errcode.RequiresSealed
	ErrChecksumMismatch   error = errcode.ChecksumMismatch
	ErrWALCorruption      error = errcode.WALCorruption
	ErrLexNotEnabled      error = errcode.LexNotEnabled
	ErrVecNotEnabled      error = errcode.VecNotEnabled
	ErrClipNotEnabled     error = errcode.ClipNotEnabled
	ErrFeatureUnavailable error = errcode.FeatureUnavailable
)

// Code returns the outermost error code of err, or 0.
func Code(err error) errcode.Code {
	return errcode.Of(err)
}
