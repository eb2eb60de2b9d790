package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundingBoxIntersection(t *testing.T) {
	a := BoundingBox{X: 0, Y: 0, W: 10, H: 10}

	assert.Equal(t, 25, a.Intersection(BoundingBox{X: 5, Y: 5, W: 10, H: 10}))
	assert.Equal(t, 0, a.Intersection(BoundingBox{X: 10, Y: 0, W: 5, H: 5}), "touching edges do not overlap")
	assert.Equal(t, 0, a.Intersection(BoundingBox{X: 20, Y: 20, W: 5, H: 5}))
	assert.Equal(t, 100, a.Intersection(a))
}

func TestBoundingBoxIoU(t *testing.T) {
	a := BoundingBox{X: 0, Y: 0, W: 10, H: 10}
	b := BoundingBox{X: 5, Y: 0, W: 10, H: 10}

	assert.InDelta(t, 50.0/150.0, a.IoU(b), 1e-9)
	assert.InDelta(t, 1.0, a.IoU(a), 1e-9)
	assert.Zero(t, a.IoU(BoundingBox{X: 100, Y: 100, W: 1, H: 1}))
	assert.Zero(t, BoundingBox{}.IoU(BoundingBox{}))
}

func TestAlertKindNames(t *testing.T) {
	for _, k := range AllAlertKinds() {
		parsed, err := ParseAlertKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	k, err := ParseAlertKind(" NoConnect ")
	require.NoError(t, err)
	assert.Equal(t, AlertNoConnect, k)

	_, err = ParseAlertKind("laser")
	assert.Error(t, err)

	assert.Equal(t, "none", AlertNone.String())
	assert.False(t, AlertNone.Valid())
	assert.Len(t, AllAlertKinds(), 6)
}

func TestFrameCopyIntoReusesBuffer(t *testing.T) {
	src := NewFrame(4, 2, 3)
	for i := range src.Pix {
		src.Pix[i] = byte(i)
	}
	src.Seq = 7

	dst := src.CopyInto(nil)
	require.True(t, dst.Valid())
	assert.Equal(t, src.Pix, dst.Pix)

	buf := &dst.Pix[0]
	src.Pix[0] = 99
	dst = src.CopyInto(dst)
	assert.Same(t, buf, &dst.Pix[0], "same-size copy must not reallocate")
	assert.Equal(t, byte(99), dst.Pix[0])
	assert.Equal(t, uint64(7), dst.Seq)
}
