package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MinLargeBlock, blockSize(1))
	assert.Equal(t, MinLargeBlock, blockSize(MinLargeBlock-Word-1))
	assert.Equal(t, alignUp(600+Word, Align), blockSize(600))
	assert.Equal(t, 0, blockSize(600)%Align)
}

func TestChunkSizeFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ChunkSize, chunkSizeFor(1))
	assert.Equal(t, 2*ChunkSize, chunkSizeFor(ChunkSize))
	assert.Equal(t, 2*ChunkSize, chunkSizeFor(ChunkSize+1))
}

func TestAlignUp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, alignUp(0, 16))
	assert.Equal(t, 16, alignUp(1, 16))
	assert.Equal(t, 16, alignUp(16, 16))
	assert.Equal(t, 32, alignUp(17, 16))
}
