package json

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testQuery struct {
	Index string   `json:"index"`
	Limit int      `json:"limit"`
	Tags  []string `json:"tags,omitempty"`
}

func TestMarshalToBuffer(t *testing.T) {
	buf, err := MarshalToBuffer(testQuery{Index: "idx:<docs>", Limit: 10})
	require.NoError(t, err)
	defer PutBuffer(buf)

	assert.Equal(t, `{"index":"idx:<docs>","limit":10}`, buf.String())
}

func TestMarshalToBuffer_Error(t *testing.T) {
	_, err := MarshalToBuffer(make(chan int))
	assert.Error(t, err)
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("leftover")
	PutBuffer(buf)

	assert.Equal(t, 0, GetBuffer().Len())
	assert.NotPanics(t, func() { PutBuffer(nil) })
	assert.NotPanics(t, func() { PutBuffer(bytes.NewBuffer(make([]byte, 0, 2*maxPooledBuffer))) })
}

func TestRoundTrip(t *testing.T) {
	in := testQuery{Index: "idx", Limit: 5, Tags: []string{"a", "b"}}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out testQuery
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestWriteIndent(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, WriteIndent(&sb, testQuery{Index: "idx", Limit: 1}))
	assert.Equal(t, "{\n  \"index\": \"idx\",\n  \"limit\": 1\n}\n", sb.String())
}
