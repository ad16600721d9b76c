package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the format version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")
	// ErrBadMagic is returned when a header or slot carries the wrong magic.
	ErrBadMagic = errors.New("bad magic")
	// ErrChecksum is returned when a header or slot fails its checksum.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrEmptySlot is returned for a slot that was never written.
	ErrEmptySlot = errors.New("empty TOC slot")
	// ErrPayloadTooLarge is returned when a TOC does not fit in its slot.
	ErrPayloadTooLarge = errors.New("TOC payload too large")
)
