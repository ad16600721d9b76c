package memvault

import (
	"github.com/hupe1980/memvault/internal/manifest"
	"github.com/hupe1980/memvault/ticket"
)

// Features is the bitmask of indexes enabled in a memory.
type Features = manifest.Features

const (
	FeatureLex    = manifest.FeatureLex
	FeatureVec    = manifest.FeatureVec
	FeatureClip   = manifest.FeatureClip
	FeatureTime   = manifest.FeatureTime
	FeatureMesh   = manifest.FeatureMesh
	FeatureSketch = manifest.FeatureSketch
)

// Stats is a point-in-time summary of a memory. Byte totals over frames
// count active frames only.
type Stats struct {
	MemoryID   string
	Generation uint64
	Tier       ticket.Tier
	Sealed     bool
	Features   Features

	FrameCount       int
	ActiveFrameCount int

	// SizeBytes is the file size.
	SizeBytes int64
	// PayloadBytes is the uncompressed payload size.
	PayloadBytes uint64
	// LogicalBytes is the stored payload plus search text, the quantity
	// capacity bounds.
	LogicalBytes           uint64
	CapacityBytes          uint64
	RemainingCapacityBytes uint64

	HasLexIndex  bool
	HasVecIndex  bool
	HasClipIndex bool
	HasTimeIndex bool
	HasMesh      bool
	HasSketch    bool

	WALBytes          int64
	WALRecordsPending int

	LexIndexBytes  int64
	VecIndexBytes  int64
	TimeIndexBytes int64
	VectorCount    int
	ClipImageCount int

	// CompressionRatioPercent is logical bytes as a percentage of raw
	// bytes, 100 when nothing compresses.
	CompressionRatioPercent float64
	// SavingsPercent is 100 minus the compression ratio.
	SavingsPercent float64
	// StorageUtilisationPercent is logical bytes as a percentage of
	// capacity.
	StorageUtilisationPercent float64
}

// Stats computes a Stats snapshot.
func (m *Memory) Stats() (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("stats"); err != nil {
		return nil, err
	}

	size, err := m.store.Size()
	if err != nil {
		return nil, err
	}
	st := m.store.State()
	toc := m.store.TOC()
	gk := m.store.Gatekeeper()
	w := m.store.WAL()
	ix := st.Indexes()

	s := &Stats{
		MemoryID:          m.store.Header().MemoryID.String(),
		Generation:        toc.Generation,
		Tier:              gk.Tier(),
		Sealed:            st.Sealed(),
		Features:          toc.Features,
		FrameCount:        st.Len(),
		ActiveFrameCount:  st.ActiveCount(),
		SizeBytes:         size,
		PayloadBytes:      st.PayloadBytes(),
		LogicalBytes:      st.LogicalBytes(),
		CapacityBytes:     gk.Capacity(),
		HasLexIndex:       ix.Lex != nil,
		HasVecIndex:       ix.Vec != nil,
		HasClipIndex:      ix.Clip != nil,
		HasTimeIndex:      ix.Time != nil,
		HasMesh:           ix.Mesh != nil,
		HasSketch:         ix.Sketch != nil,
		WALBytes:          w.Size(),
		WALRecordsPending: w.Pending(),
	}
	if ix.Lex != nil {
		s.LexIndexBytes = ix.Lex.SizeBytes()
	}
	if ix.Vec != nil {
		s.VecIndexBytes = ix.Vec.SizeBytes()
		s.VectorCount = ix.Vec.Len()
	}
	if ix.Clip != nil {
		s.ClipImageCount = ix.Clip.Len()
	}
	if ix.Time != nil {
		s.TimeIndexBytes = ix.Time.SizeBytes()
	}

	if s.CapacityBytes > s.LogicalBytes {
		s.RemainingCapacityBytes = s.CapacityBytes - s.LogicalBytes
	}
	if s.CapacityBytes > 0 {
		s.StorageUtilisationPercent = percent(s.LogicalBytes, s.CapacityBytes)
	}
	if raw := st.RawBytes(); raw > 0 {
		s.CompressionRatioPercent = percent(s.LogicalBytes, raw)
		s.SavingsPercent = 100 - s.CompressionRatioPercent
	}
	return s, nil
}

func percent(a, b uint64) float64 {
	return float64(a) / float64(b) * 100
}
