package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetcherReadsThrough(t *testing.T) {
	path, data := writeTestImage(t, 0x3000)

	src, err := NewFileSource(path)
	require.NoError(t, err)

	pf := NewPrefetcher(src, 2)
	pf.Start()

	// Reads pass straight through to the underlying source while the warm-up
	// runs in the background.
	buf := make([]byte, 0x800)
	n, err := pf.ReadAt(buf, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 0x800, n)
	assert.Equal(t, data[0x1000:0x1800], buf)

	require.NoError(t, pf.Close())
}

func TestPrefetcherCloseWithoutStart(t *testing.T) {
	path, _ := writeTestImage(t, 0x1000)

	src, err := NewFileSource(path)
	require.NoError(t, err)

	pf := NewPrefetcher(src, 1)
	require.NoError(t, pf.Close())
}
