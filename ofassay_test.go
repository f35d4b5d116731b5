package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFlowContext(t *testing.T) {
	context := OpenFlowContext{DatapathID: 0x1, Port: 7}
	assert.Equal(t, "[0x0000000000000001, 0x0007]", context.String())

	buf := new(bytes.Buffer)
	n, err := context.WriteTo(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(context.Len()), n)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 7}, buf.Bytes())
}

func TestSplitLargeMessage(t *testing.T) {
	context := OpenFlowContext{DatapathID: 0x1, Port: 7}
	for _, length := range []uint16{8, 65524, 65535} {
		buf := new(bytes.Buffer)
		_, err := context.WriteTo(buf)
		require.NoError(t, err)
		buf.Write(make([]byte, int(length)))

		message, prefixed := context.Split(buf.Bytes(), length)
		assert.Len(t, message, int(length))
		assert.Len(t, prefixed, int(context.Len())+int(length))
		assert.Equal(t, buf.Bytes()[:context.Len()], prefixed[:context.Len()])
	}
}
