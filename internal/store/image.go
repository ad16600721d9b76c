package store

import (
	"io"
	"slices"
	"time"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/internal/manifest"
	"github.com/hupe1980/memvault/ticket"
)

// Features returns the TOC feature mask of an index configuration.
func Features(cfg index.Config) manifest.Features {
	var f manifest.Features
	if cfg.Lex {
		f |= manifest.FeatureLex
	}
	if cfg.Vec {
		f |= manifest.FeatureVec
	}
	if cfg.Clip {
		f |= manifest.FeatureClip
	}
	if cfg.Time {
		f |= manifest.FeatureTime
	}
	if cfg.Mesh {
		f |= manifest.FeatureMesh
	}
	if cfg.Sketch {
		f |= manifest.FeatureSketch
	}
	return f
}

// IndexConfig returns the index configuration recorded in toc.
func IndexConfig(toc *manifest.TOC) index.Config {
	return index.Config{
		Lex:     toc.Features.Has(manifest.FeatureLex),
		Vec:     toc.Features.Has(manifest.FeatureVec),
		VecDim:  int(toc.VecDim),
		Clip:    toc.Features.Has(manifest.FeatureClip),
		ClipDim: int(toc.ClipDim),
		Time:    toc.Features.Has(manifest.FeatureTime),
		Mesh:    toc.Features.Has(manifest.FeatureMesh),
		Sketch:  toc.Features.Has(manifest.FeatureSketch),
	}
}

// Image is a checkpointed state read back from its regions.
type Image struct {
	Frames    []*frame.Frame
	BadFrames []frame.BadFrame
	Indexes   *index.Set
	// Rebuilt lists the index kinds derived from the frame table instead of
	// being loaded.
	Rebuilt []index.Kind
}

// LoadImage reads the frame table and index regions described by toc.
// Index kinds listed in rebuild are not read; they are derived from the
// frame table instead. Frames that fail their checksum are reported in
// BadFrames and left nil; indexes are not rebuilt over such a table.
func LoadImage(r io.ReaderAt, toc *manifest.TOC, rebuild []index.Kind) (*Image, error) {
	frames, bad, err := LoadFrames(r, toc)
	if err != nil {
		return nil, err
	}
	img := &Image{Frames: frames, BadFrames: bad, Indexes: index.NewSet(IndexConfig(toc))}

	for _, ix := range img.Indexes.All() {
		if slices.Contains(rebuild, ix.Kind()) {
			img.Rebuilt = append(img.Rebuilt, ix.Kind())
			if len(bad) == 0 {
				if err := index.Rebuild(ix, slices.Values(frames)); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := LoadIndex(r, toc, ix); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// LoadFrames reads and decodes the frame table region.
func LoadFrames(r io.ReaderAt, toc *manifest.TOC) ([]*frame.Frame, []frame.BadFrame, error) {
	e, ok := toc.Entry(manifest.KindFrames)
	if !ok {
		return nil, nil, errcode.New(errcode.InvalidTOC, "load frames", "missing frames entry")
	}
	raw, err := readRegion(r, e)
	if err != nil {
		return nil, nil, err
	}
	frames, bad, err := frame.DecodeTable(raw)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(frames)) != toc.NextFrameID || e.Count != uint64(len(frames)) {
		return nil, nil, errcode.Newf(errcode.InvalidTOC, "load frames",
			"frame table holds %d frames, toc expects %d", len(frames), toc.NextFrameID)
	}
	return frames, bad, nil
}

// LoadIndex reads the region of ix's kind into ix.
func LoadIndex(r io.ReaderAt, toc *manifest.TOC, ix index.Index) error {
	e, ok := toc.Entry(manifest.Kind(ix.Kind()))
	if !ok {
		return errcode.Newf(errcode.InvalidTOC, "load index", "missing %s entry", ix.Kind())
	}
	raw, err := readRegion(r, e)
	if err != nil {
		return err
	}
	return ix.UnmarshalBinary(raw)
}

func readRegion(r io.ReaderAt, e manifest.Entry) ([]byte, error) {
	stored, err := manifest.ReadRegion(r, e)
	if err != nil {
		return nil, err
	}
	return manifest.DecodeRegion(stored, e)
}

// encodeImage encodes the frame table and every enabled index in layout
// order.
func encodeImage(st *State, c compress.Type) ([]manifest.Region, error) {
	table, err := frame.EncodeTable(st.frames)
	if err != nil {
		return nil, err
	}
	fr, err := manifest.EncodeRegion(manifest.KindFrames, table, uint64(len(st.frames)), c)
	if err != nil {
		return nil, err
	}
	regions := []manifest.Region{fr}

	for _, ix := range st.indexes.All() {
		raw, err := ix.MarshalBinary()
		if err != nil {
			return nil, errcode.Wrapf(errcode.Encode, "encode index", err, "%s", ix.Kind())
		}
		reg, err := manifest.EncodeRegion(manifest.Kind(ix.Kind()), raw, uint64(ix.Len()), c)
		if err != nil {
			return nil, err
		}
		regions = append(regions, reg)
	}
	return regions, nil
}

func tocBinding(b ticket.Binding) manifest.Binding {
	if !b.Bound {
		return manifest.Binding{}
	}
	return manifest.Binding{
		Bound:    true,
		Tier:     string(b.Tier),
		Capacity: b.Capacity,
		Seq:      b.Seq,
		Issuer:   b.Issuer,
		BoundAt:  b.BoundAt.Unix(),
	}
}

func stateBinding(b manifest.Binding) ticket.Binding {
	if !b.Bound {
		return ticket.Binding{}
	}
	return ticket.Binding{
		Bound:    true,
		Tier:     ticket.Tier(b.Tier),
		Capacity: b.Capacity,
		Seq:      b.Seq,
		Issuer:   b.Issuer,
		BoundAt:  unixTime(b.BoundAt),
	}
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
