package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajitpratap0/nebulakv/pkg/config"
)

// scoreField is the alias under which KNN distances are returned.
const scoreField = "__vector_score"

// NewRedisClient builds a go-redis client sized for a pool of poolSize
// sticky connections. RESP2 is forced because search replies are parsed
// from the flat array form.
func NewRedisClient(cfg config.RedisConfig, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Protocol:     2,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     poolSize,
	})
}

// NewRedisDialer returns a Dialer that checks out one dedicated connection
// from client per call and verifies it with PING.
func NewRedisDialer(client *redis.Client) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn := client.Conn()
		if err := conn.Ping(ctx).Err(); err != nil {
			_ = conn.Close()
			return nil, classify(err)
		}
		return &RedisConn{conn: conn}, nil
	}
}

// RedisConn implements Conn over a single go-redis connection.
type RedisConn struct {
	conn *redis.Conn
}

// Get implements Conn.
func (c *RedisConn) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.conn.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return val, true, nil
}

// Set implements Conn.
func (c *RedisConn) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return classify(c.conn.Set(ctx, key, value, ttl).Err())
}

// MGet implements Conn.
func (c *RedisConn) MGet(ctx context.Context, keys ...string) ([]Reply, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.conn.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify(err)
	}
	replies := make([]Reply, len(vals))
	for i, v := range vals {
		switch val := v.(type) {
		case nil:
			replies[i] = Reply{Nil: true}
		case string:
			replies[i] = Reply{Str: val}
		default:
			replies[i] = Reply{Str: fmt.Sprint(val)}
		}
	}
	return replies, nil
}

// Exec implements Conn with a go-redis pipeline.
func (c *RedisConn) Exec(ctx context.Context, cmds []Command) ([]Reply, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	pipe := c.conn.Pipeline()
	queued := make([]redis.Cmder, len(cmds))
	for i, cmd := range cmds {
		switch cmd.Op {
		case OpGet:
			queued[i] = pipe.Get(ctx, cmd.Key)
		case OpSet:
			queued[i] = pipe.Set(ctx, cmd.Key, cmd.Value, cmd.TTL)
		case OpDel:
			queued[i] = pipe.Del(ctx, cmd.Key)
		case OpExists:
			queued[i] = pipe.Exists(ctx, cmd.Key)
		case OpIncr:
			queued[i] = pipe.Incr(ctx, cmd.Key)
		default:
			pipe.Discard()
			return nil, fmt.Errorf("store: unsupported pipelined op %q", cmd.Op)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		// go-redis reports the first failed command; only non-server
		// errors mean the round trip itself failed.
		var rerr redis.Error
		if !errors.As(err, &rerr) {
			return nil, classify(err)
		}
	}

	replies := make([]Reply, len(queued))
	for i, q := range queued {
		replies[i] = toReply(q)
	}
	return replies, nil
}

func toReply(cmd redis.Cmder) Reply {
	switch c := cmd.(type) {
	case *redis.StringCmd:
		val, err := c.Result()
		if errors.Is(err, redis.Nil) {
			return Reply{Nil: true}
		}
		return Reply{Str: val, Err: err}
	case *redis.StatusCmd:
		val, err := c.Result()
		return Reply{Str: val, Err: err}
	case *redis.IntCmd:
		val, err := c.Result()
		return Reply{Int: val, Err: err}
	default:
		return Reply{Err: cmd.Err()}
	}
}

// Search implements Conn with FT.SEARCH.
func (c *RedisConn) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	raw, err := c.conn.Do(ctx, searchArgs(q)...).Result()
	if err != nil {
		return nil, classify(err)
	}
	return parseSearchReply(raw)
}

// Ping implements Conn.
func (c *RedisConn) Ping(ctx context.Context) error {
	return classify(c.conn.Ping(ctx).Err())
}

// Close implements Conn.
func (c *RedisConn) Close() error {
	err := c.conn.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// searchArgs renders q as FT.SEARCH arguments.
func searchArgs(q SearchQuery) []interface{} {
	filter := q.Filter
	if filter == "" {
		filter = "*"
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	args := []interface{}{"FT.SEARCH", q.Index}
	if !q.HasVector() {
		args = append(args, filter)
		args = appendReturn(args, q.ReturnFields, false)
		return append(args, "LIMIT", q.Offset, limit, "DIALECT", 2)
	}

	knn := fmt.Sprintf("KNN %d @%s $BLOB", q.Offset+limit, q.VectorField)
	if q.EF > 0 {
		knn += " EF_RUNTIME " + strconv.Itoa(q.EF)
	}
	if filter != "*" {
		filter = "(" + filter + ")"
	}
	args = append(args, fmt.Sprintf("%s=>[%s AS %s]", filter, knn, scoreField))
	args = appendReturn(args, q.ReturnFields, true)
	return append(args,
		"SORTBY", scoreField,
		"LIMIT", q.Offset, limit,
		"PARAMS", 2, "BLOB", EncodeVector(q.Vector),
		"DIALECT", 2,
	)
}

func appendReturn(args []interface{}, fields []string, withScore bool) []interface{} {
	if len(fields) == 0 {
		return args
	}
	n := len(fields)
	if withScore {
		n++
	}
	args = append(args, "RETURN", n)
	for _, f := range fields {
		args = append(args, f)
	}
	if withScore {
		args = append(args, scoreField)
	}
	return args
}

// EncodeVector encodes v as little-endian float32 bytes, the layout
// vector fields are indexed with.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// parseSearchReply parses the RESP2 reply
// [total, id1, [f1, v1, ...], id2, [...], ...].
func parseSearchReply(raw interface{}) (*SearchResult, error) {
	items, ok := raw.([]interface{})
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("store: unexpected search reply %T", raw)
	}
	total, ok := items[0].(int64)
	if !ok {
		return nil, fmt.Errorf("store: unexpected search total %T", items[0])
	}

	res := &SearchResult{Total: total, Results: make([]Document, 0, (len(items)-1)/2)}
	for i := 1; i < len(items); i++ {
		id, ok := items[i].(string)
		if !ok {
			return nil, fmt.Errorf("store: unexpected document id %T", items[i])
		}
		doc := Document{ID: id}
		// NOCONTENT replies have no field array after the id.
		if i+1 < len(items) {
			if fields, ok := items[i+1].([]interface{}); ok {
				i++
				doc.Fields = make(map[string]string, len(fields)/2)
				for j := 0; j+1 < len(fields); j += 2 {
					name := fmt.Sprint(fields[j])
					value := fmt.Sprint(fields[j+1])
					if name == scoreField {
						doc.Score, _ = strconv.ParseFloat(strings.TrimSpace(value), 64)
						continue
					}
					doc.Fields[name] = value
				}
			}
		}
		res.Results = append(res.Results, doc)
	}
	return res, nil
}

// classify maps go-redis connection failures onto ErrConnClosed so callers
// can recognise them with IsConnectionError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return err
}
