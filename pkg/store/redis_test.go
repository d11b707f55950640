package store

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebulakv/pkg/config"
)

func newTestConn(t *testing.T) (*miniredis.Miniredis, Conn) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Default().Redis
	cfg.Addr = mr.Addr()
	client := NewRedisClient(cfg, 4)
	t.Cleanup(func() { _ = client.Close() })

	conn, err := NewRedisDialer(client)(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return mr, conn
}

func TestRedisConnGetSet(t *testing.T) {
	ctx := context.Background()
	mr, conn := newTestConn(t)

	require.NoError(t, conn.Set(ctx, "user:1", "alice", time.Minute))
	v, found, err := conn.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice", v)
	assert.Equal(t, time.Minute, mr.TTL("user:1"))

	_, found, err = conn.Get(ctx, "user:missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisConnMGet(t *testing.T) {
	ctx := context.Background()
	mr, conn := newTestConn(t)
	require.NoError(t, mr.Set("a", "1"))
	require.NoError(t, mr.Set("c", "3"))

	replies, err := conn.MGet(ctx, "a", "b", "c")
	require.NoError(t, err)
	require.Len(t, replies, 3)
	assert.Equal(t, Reply{Str: "1"}, replies[0])
	assert.True(t, replies[1].Nil)
	assert.Equal(t, "3", replies[2].Str)
}

func TestRedisConnExecReportsCommandErrorsPerReply(t *testing.T) {
	ctx := context.Background()
	mr, conn := newTestConn(t)
	require.NoError(t, mr.Set("text", "not-a-number"))

	replies, err := conn.Exec(ctx, []Command{
		{Op: OpSet, Key: "k", Value: "v"},
		{Op: OpIncr, Key: "counter"},
		{Op: OpIncr, Key: "text"},
		{Op: OpExists, Key: "k"},
		{Op: OpGet, Key: "nope"},
		{Op: OpDel, Key: "k"},
	})
	require.NoError(t, err)
	require.Len(t, replies, 6)

	assert.Equal(t, "OK", replies[0].Str)
	assert.Equal(t, int64(1), replies[1].Int)
	assert.Error(t, replies[2].Err)
	assert.Equal(t, int64(1), replies[3].Int)
	assert.True(t, replies[4].Nil)
	assert.NoError(t, replies[4].Err)
	assert.Equal(t, int64(1), replies[5].Int)
}

func TestRedisConnExecRejectsUnknownOp(t *testing.T) {
	_, conn := newTestConn(t)
	_, err := conn.Exec(context.Background(), []Command{{Op: Op("FLUSHALL")}})
	assert.Error(t, err)
}

func TestRedisConnClosedIsConnectionError(t *testing.T) {
	_, conn := newTestConn(t)
	require.NoError(t, conn.Close())

	err := conn.Ping(context.Background())
	assert.True(t, IsConnectionError(err), "got %v", err)
	assert.NoError(t, conn.Close(), "second close is a no-op")
}

func TestSearchArgsVector(t *testing.T) {
	q := SearchQuery{
		Index:        "idx:docs",
		Filter:       "@lang:{en}",
		VectorField:  "embedding",
		Vector:       []float32{1, 0.5},
		Limit:        5,
		EF:           64,
		ReturnFields: []string{"title"},
	}
	args := searchArgs(q)

	assert.Equal(t, "FT.SEARCH", args[0])
	assert.Equal(t, "idx:docs", args[1])
	assert.Equal(t, "(@lang:{en})=>[KNN 5 @embedding $BLOB EF_RUNTIME 64 AS __vector_score]", args[2])
	assert.Equal(t, []interface{}{"RETURN", 2, "title", "__vector_score"}, args[3:7])
	assert.Contains(t, args, "SORTBY")

	blob := args[len(args)-3].([]byte)
	require.Len(t, blob, 8)
	assert.Equal(t, float32(0.5), math.Float32frombits(binary.LittleEndian.Uint32(blob[4:])))
}

func TestSearchArgsFilterOnly(t *testing.T) {
	args := searchArgs(SearchQuery{Index: "idx", Limit: 3, Offset: 6})
	assert.Equal(t, []interface{}{"FT.SEARCH", "idx", "*", "LIMIT", 6, 3, "DIALECT", 2}, args)
}

func TestParseSearchReply(t *testing.T) {
	raw := []interface{}{
		int64(2),
		"doc:1", []interface{}{"title", "first", "__vector_score", "0.125"},
		"doc:2", []interface{}{"title", "second", "__vector_score", "0.5"},
	}
	res, err := parseSearchReply(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "doc:1", res.Results[0].ID)
	assert.Equal(t, 0.125, res.Results[0].Score)
	assert.Equal(t, map[string]string{"title": "second"}, res.Results[1].Fields)
}

func TestParseSearchReplyNoContent(t *testing.T) {
	res, err := parseSearchReply([]interface{}{int64(2), "a", "b"})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "b", res.Results[1].ID)
}

func TestParseSearchReplyMalformed(t *testing.T) {
	_, err := parseSearchReply("OK")
	assert.Error(t, err)
	_, err = parseSearchReply([]interface{}{"x"})
	assert.Error(t, err)
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(context.Canceled))
	assert.False(t, IsConnectionError(errors.New("WRONGTYPE")))
	assert.True(t, IsConnectionError(io.EOF))
	assert.True(t, IsConnectionError(ErrConnClosed))
}
