package query

import (
	"encoding/base64"
	"encoding/binary"
	"strconv"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/hash"
	"github.com/hupe1980/memvault/internal/wire"
)

const cursorVersion = 1

// cursor is the decoded form of a paging token. It pins the offset of the
// next page to the query that produced it.
type cursor struct {
	offset      uint64
	fingerprint uint64
}

func (c cursor) encode() string {
	w := wire.NewWriter(make([]byte, 0, 17))
	w.Uint8(cursorVersion)
	w.Uint64(c.offset)
	w.Uint64(c.fingerprint)
	return base64.RawURLEncoding.EncodeToString(w.Bytes())
}

func decodeCursor(s string, fingerprint uint64) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, errcode.Wrap(errcode.InvalidCursor, "cursor", err)
	}
	r := wire.NewReader(raw)
	v := r.Uint8()
	c := cursor{offset: r.Uint64(), fingerprint: r.Uint64()}
	if err := r.Done(); err != nil {
		return cursor{}, errcode.Wrap(errcode.InvalidCursor, "cursor", err)
	}
	if v != cursorVersion {
		return cursor{}, errcode.Newf(errcode.InvalidCursor, "cursor", "unsupported version %d", v)
	}
	if c.fingerprint != fingerprint {
		return cursor{}, errcode.New(errcode.InvalidCursor, "cursor", "cursor belongs to a different query")
	}
	return c, nil
}

// fingerprint identifies the parts of a request that determine its result
// order. Paging fields are excluded.
func fingerprint(parts ...string) uint64 {
	w := wire.NewWriter(nil)
	for _, p := range parts {
		w.Str(p)
	}
	sum := hash.Sum256(w.Bytes())
	return binary.LittleEndian.Uint64(sum[:8])
}

func (fl Filters) key() []string {
	opt := func(p *int64) string {
		if p == nil {
			return "-"
		}
		return strconv.FormatInt(*p, 10)
	}
	asOf := "-"
	if fl.AsOfFrame != nil {
		asOf = strconv.FormatUint(*fl.AsOfFrame, 10)
	}
	return []string{fl.Track, fl.URI, fl.Scope, opt(fl.Since), opt(fl.Until), asOf, opt(fl.AsOfTimestamp)}
}
