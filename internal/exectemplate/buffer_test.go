package exectemplate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewElasticBufferHonorsHeadroomInvariant(t *testing.T) {
	b := NewElasticBuffer(16, 4)
	assert.GreaterOrEqual(t, b.Remaining(), b.Headroom())
}

func TestWriteSlotGrowsWhenHeadroomViolated(t *testing.T) {
	b := NewElasticBuffer(4, 4)
	slot := b.WriteSlot()
	assert.GreaterOrEqual(t, len(slot), b.Headroom())

	b.Advance(len(slot))
	assert.Equal(t, 0, b.Remaining())

	// Requesting another slot must grow to restore remaining >= headroom.
	slot2 := b.WriteSlot()
	assert.GreaterOrEqual(t, len(slot2), b.Headroom())
	assert.GreaterOrEqual(t, b.Remaining(), b.Headroom())
}

func TestAdvanceAccumulatesUsedBytes(t *testing.T) {
	b := NewElasticBuffer(64, 8)
	slot := b.WriteSlot()
	copy(slot, []byte("hello"))
	b.Advance(5)

	slot2 := b.WriteSlot()
	copy(slot2, []byte(" world"))
	b.Advance(6)

	assert.Equal(t, "hello world", string(b.Bytes()))
	assert.Equal(t, 11, b.Used())
}

func TestGeometricGrowthStepMatchesHeadroomTimesTwo(t *testing.T) {
	b := NewElasticBuffer(4, 4)
	b.Advance(4) // fill to zero remaining
	before := len(b.data)
	b.EnsureHeadroom()
	assert.Equal(t, before+4*2, len(b.data))
}
