package query

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/ajitpratap0/nebulakv/pkg/json"
	"github.com/ajitpratap0/nebulakv/pkg/store"
)

// ExecutionStrategy describes how the store is expected to evaluate a plan.
type ExecutionStrategy string

const (
	// StrategyParallel is a pure nearest-neighbour search.
	StrategyParallel ExecutionStrategy = "parallel"
	// StrategySequential is a filter-only scan of the index.
	StrategySequential ExecutionStrategy = "sequential"
	// StrategyHybrid pre-filters before the nearest-neighbour search.
	StrategyHybrid ExecutionStrategy = "hybrid"
)

// CacheStrategy says whether and how a plan's result is cached.
type CacheStrategy string

const (
	CacheNone    CacheStrategy = "none"
	CachePartial CacheStrategy = "partial"
	CacheFull    CacheStrategy = "full"
)

// Plan is the optimizer's decision record for one search. It is not
// modified after Optimize returns it.
type Plan struct {
	Original          store.SearchQuery `json:"original"`
	Optimized         store.SearchQuery `json:"optimized"`
	EstimatedCost     float64           `json:"estimated_cost"`
	ExecutionStrategy ExecutionStrategy `json:"execution_strategy"`
	IndexHints        []string          `json:"index_hints,omitempty"`
	CacheStrategy     CacheStrategy     `json:"cache_strategy"`
	CacheKey          string            `json:"cache_key"`
}

// signature is the normalized form of a query used for cache keys. Vector
// payloads contribute a digest, never raw floats.
type signature struct {
	Index        string   `json:"index"`
	Filter       string   `json:"filter"`
	HasVector    bool     `json:"has_vector"`
	VectorField  string   `json:"vector_field,omitempty"`
	Dims         int      `json:"dims,omitempty"`
	VectorDigest string   `json:"vector_digest,omitempty"`
	Limit        int      `json:"limit"`
	Offset       int      `json:"offset"`
	EF           int      `json:"ef,omitempty"`
	ReturnFields []string `json:"return_fields,omitempty"`
}

// cacheKey derives the result cache key of q.
func cacheKey(q store.SearchQuery) (string, error) {
	sig := signature{
		Index:     q.Index,
		Filter:    q.Filter,
		HasVector: q.HasVector(),
		Limit:     q.Limit,
		Offset:    q.Offset,
		EF:        q.EF,
	}
	if sig.HasVector {
		sig.VectorField = q.VectorField
		sig.Dims = len(q.Vector)
		sig.VectorDigest = vectorDigest(q.Vector)
	}
	if len(q.ReturnFields) > 0 {
		sig.ReturnFields = append([]string(nil), q.ReturnFields...)
		sort.Strings(sig.ReturnFields)
	}

	buf, err := json.MarshalToBuffer(sig)
	if err != nil {
		return "", err
	}
	defer json.PutBuffer(buf)
	h := fnv.New64a()
	_, _ = h.Write(buf.Bytes())
	return fmt.Sprintf("qopt:%016x", h.Sum64()), nil
}

func vectorDigest(v []float32) string {
	h := fnv.New64a()
	var buf [4]byte
	for _, f := range v {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		_, _ = h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// estimateCost grows with vector dimensionality and result limit.
func estimateCost(q store.SearchQuery) float64 {
	cost := float64(len(q.Vector)) / 100
	if q.Limit > 1 {
		cost += math.Log(float64(q.Limit)) / 10
	}
	return cost
}

func strategyFor(q store.SearchQuery) ExecutionStrategy {
	switch {
	case q.HasVector() && q.Filter != "" && q.Filter != "*":
		return StrategyHybrid
	case q.HasVector():
		return StrategyParallel
	default:
		return StrategySequential
	}
}

// clampEF limits the search breadth to what the limit can use.
func clampEF(ef, limit, minEF int) int {
	if ef <= 0 {
		return ef
	}
	ceiling := 2 * limit
	if ceiling < minEF {
		ceiling = minEF
	}
	if ef > ceiling {
		return ceiling
	}
	return ef
}

func indexHints(q store.SearchQuery) []string {
	if !q.HasVector() {
		return nil
	}
	hints := []string{
		"index:" + q.Index,
		"vector_field:" + q.VectorField,
		fmt.Sprintf("dims:%d", len(q.Vector)),
	}
	if q.Filter != "" && q.Filter != "*" {
		hints = append(hints, "prefilter")
	}
	return hints
}

func cloneResult(res *store.SearchResult) *store.SearchResult {
	if res == nil {
		return nil
	}
	out := &store.SearchResult{Total: res.Total, Results: make([]store.Document, len(res.Results))}
	for i, doc := range res.Results {
		out.Results[i] = doc
		if doc.Fields != nil {
			fields := make(map[string]string, len(doc.Fields))
			for k, v := range doc.Fields {
				fields[k] = v
			}
			out.Results[i].Fields = fields
		}
	}
	return out
}
