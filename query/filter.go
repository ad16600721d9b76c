package query

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
)

// Filters restrict which frames a query may return. Zero values do not
// filter.
type Filters struct {
	// Track keeps frames of one track.
	Track string
	// URI keeps the frame with exactly this URI.
	URI string
	// Scope keeps frames whose URI starts with Scope or, when Scope
	// contains one of *?[{, matches it as a glob.
	Scope string
	// Since and Until bound the frame timestamp, inclusive.
	Since *int64
	Until *int64
	// AsOfFrame hides frames written after the given frame id.
	AsOfFrame *frame.ID
	// AsOfTimestamp hides frames stamped after the given unix time.
	AsOfTimestamp *int64
}

const globChars = "*?[{"

// compiled is a Filters ready to test frames.
type compiled struct {
	Filters
	scope glob.Glob
}

func (fl Filters) compile(op string) (*compiled, error) {
	c := &compiled{Filters: fl}
	if fl.Scope != "" && strings.ContainsAny(fl.Scope, globChars) {
		g, err := glob.Compile(fl.Scope, '/')
		if err != nil {
			return nil, errcode.Wrapf(errcode.InvalidQuery, op, err, "scope %q", fl.Scope)
		}
		c.scope = g
	}
	if fl.Since != nil && fl.Until != nil && *fl.Since > *fl.Until {
		return nil, invalidQuery(op, "since is after until")
	}
	return c, nil
}

func (c *compiled) match(f *frame.Frame) bool {
	if !f.Active() {
		return false
	}
	if c.Track != "" && f.Track != c.Track {
		return false
	}
	if c.URI != "" && f.URI != c.URI {
		return false
	}
	if c.Scope != "" {
		if c.scope != nil {
			if !c.scope.Match(f.URI) {
				return false
			}
		} else if !strings.HasPrefix(f.URI, c.Scope) {
			return false
		}
	}
	if c.AsOfFrame != nil && f.ID > *c.AsOfFrame {
		return false
	}
	return true
}

// timeBounds merges Since/Until with AsOfTimestamp.
func (c *compiled) timeBounds() (since, until *int64) {
	since, until = c.Since, c.Until
	if c.AsOfTimestamp != nil && (until == nil || *c.AsOfTimestamp < *until) {
		until = c.AsOfTimestamp
	}
	return since, until
}

// allowSet returns the active frames of src passing c. Time bounds are
// served by the timeline when it is enabled.
func (c *compiled) allowSet(src Source) *index.FrameSet {
	since, until := c.timeBounds()
	timed := since != nil || until != nil

	var inRange *index.FrameSet
	if tl := src.Indexes().Time; timed && tl != nil {
		inRange = tl.RangeSet(since, until)
	}

	set := index.NewFrameSet()
	for f := range src.Frames() {
		if !c.match(f) {
			continue
		}
		if timed {
			if inRange != nil {
				if !inRange.Contains(f.ID) {
					continue
				}
			} else if (since != nil && f.Timestamp < *since) || (until != nil && f.Timestamp > *until) {
				continue
			}
		}
		set.Add(f.ID)
	}
	return set
}

func invalidQuery(op, msg string) error {
	return errcode.New(errcode.InvalidQuery, op, msg)
}
