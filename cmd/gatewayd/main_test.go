package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitServiceEntry(t *testing.T) {
	path, url, ok := splitServiceEntry("/news=rtp://239.1.1.1:5000")
	assert.True(t, ok)
	assert.Equal(t, "/news", path)
	assert.Equal(t, "rtp://239.1.1.1:5000", url)
}

func TestSplitServiceEntryMalformed(t *testing.T) {
	_, _, ok := splitServiceEntry("no-equals-sign")
	assert.False(t, ok)
}
