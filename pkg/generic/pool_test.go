package generic

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ResetsOnPut(t *testing.T) {
	p := NewHotPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset, 2)

	b := p.Get()
	b.WriteString("dirty")
	p.Put(b)

	assert.Zero(t, b.Len())
	assert.NotNil(t, p.Get())
}
