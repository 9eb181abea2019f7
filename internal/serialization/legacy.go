package serialization

import (
	"github.com/pkg/errors"

	"github.com/lattice-ml/lattice/internal/graph"
)

// Legacy header upgrades. Each function is pure: it maps a node header
// of one legacy version to the current form, and the reader applies
// the right one once at load time so the rest of the package only ever
// sees the current form.

// upgradeNodeMeta lifts a node header from the file's version to the
// current one.
func upgradeNodeMeta(meta NodeMeta, version int) (NodeMeta, error) {
	switch version {
	case FormatV1:
		return upgradeNodeV1(meta)
	case FormatV2:
		return upgradeNodeV2(meta), nil
	default:
		return meta, nil
	}
}

// upgradeNodeV1 expands the flat version-1 scalar fields into the ND
// form. Convolution leaves its channel slots open exactly like the
// flat 2-D constructor does, so the channel extent is still inferred
// from the input when the node is rebuilt; pooling windows keep the
// channel axis untouched with unit extents.
func upgradeNodeV1(meta NodeMeta) (NodeMeta, error) {
	legacy := meta.Legacy
	if legacy == nil {
		return NodeMeta{}, errors.Errorf("node %q: version 1 header lacks the legacy field block", meta.Name)
	}

	up := NodeMeta{
		Name:   meta.Name,
		Kind:   meta.Kind,
		Layout: legacy.Layout,
	}
	switch meta.Kind {
	case graph.Convolution.String():
		up.Kernel = []int{legacy.KernelW, legacy.KernelH, 0}
		up.MapCount = []int{legacy.MapCount}
		up.Stride = []int{legacy.StrideW, legacy.StrideH, 0}
		up.Sharing = []bool{true, true, true}
		up.AutoPad = []bool{legacy.Pad, legacy.Pad, false}
		up.MaxScratchSamples = legacy.MaxTempMemSamples
		up.Convolution2D = true
	case graph.MaxPooling.String(), graph.AveragePooling.String(), graph.MaxUnpooling.String():
		up.Kernel = []int{legacy.WindowW, legacy.WindowH, 1}
		up.Stride = []int{legacy.StrideW, legacy.StrideH, 1}
	default:
		return NodeMeta{}, errors.Wrapf(ErrUnknownKind, "node %q: version 1 cannot carry kind %q", meta.Name, meta.Kind)
	}
	return up, nil
}

// upgradeNodeV2 maps the ND form that predates the transpose and 2-D
// convenience flags: both default to false, and no legacy block can
// be present.
func upgradeNodeV2(meta NodeMeta) NodeMeta {
	meta.Transpose = false
	meta.Convolution2D = false
	meta.Legacy = nil
	return meta
}
