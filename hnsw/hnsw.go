// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest neighbor search over one collection's vectors.
//
// Node IDs are the collection's dense row IDs, so the graph, the secondary
// index and the id mapping all address points by the same number.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/vecfs/vecfs/distance"
	"github.com/vecfs/vecfs/internal/queue"
	"github.com/vecfs/vecfs/internal/visited"
)

const (
	// layerNormalizationBase is the base constant for the exponential
	// layer probability distribution.
	layerNormalizationBase = 1.0

	// mmax0Multiplier is the multiplier for maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEF is the default size of the dynamic candidate list.
	DefaultEF = 200
)

// ErrDimensionMismatch indicates that a vector does not match the
// dimensionality the graph was built with.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Options configures a graph.
type Options struct {
	Dimension  int
	M          int
	EF         int
	Heuristic  bool
	Metric     distance.Metric
	RandomSeed *int64
}

// DefaultOptions holds the defaults applied by New.
var DefaultOptions = Options{
	M:         DefaultM,
	EF:        DefaultEF,
	Heuristic: true,
	Metric:    distance.MetricCosine,
}

// node is one graph element. edges[l] holds the neighbor rows at layer l.
type node struct {
	level  int
	edges  [][]uint32
	vector []float32
}

// Result is one approximate neighbor.
type Result struct {
	Row      uint32
	Distance float32
}

// Index is an HNSW graph. All methods are safe for concurrent use; reads
// proceed concurrently while inserts and deletes serialize.
type Index struct {
	mu sync.RWMutex

	nodes      []*node
	entryPoint uint32
	maxLevel   int
	count      int
	tombstones *roaring.Bitmap

	distFunc        distance.Func
	normalize       bool
	rng             *rand.Rand
	layerMultiplier float64
	maxConns        int
	maxConns0       int
	opts            Options

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// New creates an empty graph.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EF <= 0 {
		opts.EF = DefaultEF
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	h := &Index{
		tombstones:      roaring.New(),
		distFunc:        distFunc,
		normalize:       opts.Metric == distance.MetricCosine,
		rng:             rng,
		layerMultiplier: layerNormalizationBase / math.Log(float64(opts.M)),
		maxConns:        opts.M,
		maxConns0:       mmax0Multiplier * opts.M,
		opts:            opts,
	}
	h.initPools()

	return h, nil
}

func (h *Index) initPools() {
	h.minQueuePool = &sync.Pool{
		New: func() any { return queue.NewMin(h.opts.EF) },
	}
	h.maxQueuePool = &sync.Pool{
		New: func() any { return queue.NewMax(h.opts.EF) },
	}
	h.visitedPool = &sync.Pool{
		New: func() any { return visited.New(1024) },
	}
}

// Dimension returns the configured vector dimensionality.
func (h *Index) Dimension() int { return h.opts.Dimension }

// Count returns the number of live (non-deleted) nodes.
func (h *Index) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Contains reports whether row is present and not deleted.
func (h *Index) Contains(row uint32) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenode(row) != nil
}

// Vector returns the stored (possibly normalized) vector for row.
func (h *Index) Vector(row uint32) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.livenode(row)
	if n == nil {
		return nil, false
	}
	return n.vector, true
}

func (h *Index) livenode(row uint32) *node {
	if int(row) >= len(h.nodes) {
		return nil
	}
	n := h.nodes[row]
	if n == nil || h.tombstones.Contains(row) {
		return nil
	}
	return n
}

// Add inserts a vector at the given row. Re-adding an existing row
// replaces its vector by delete-and-reinsert.
func (h *Index) Add(row uint32, v []float32) error {
	if len(v) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}

	vec := v
	if h.normalize {
		normalized, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return fmt.Errorf("hnsw: cannot normalize zero vector for row %d", row)
		}
		vec = normalized
	} else {
		vec = make([]float32, len(v))
		copy(vec, v)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if int(row) < len(h.nodes) && h.nodes[row] != nil {
		h.deleteLocked(row)
		h.nodes[row] = nil
		if h.entryPoint == row && h.count > 0 {
			h.electEntryPoint(row)
		}
	}

	level := int(math.Floor(-math.Log(h.rng.Float64()) * h.layerMultiplier))

	n := &node{
		level:  level,
		edges:  make([][]uint32, level+1),
		vector: vec,
	}

	for int(row) >= len(h.nodes) {
		h.nodes = append(h.nodes, nil)
	}
	h.nodes[row] = n
	h.tombstones.Remove(row)

	if h.count == 0 {
		h.entryPoint = row
		h.maxLevel = level
		h.count++
		return nil
	}

	h.insertNode(row, vec, level)
	h.count++

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = row
	}

	return nil
}

// electEntryPoint moves the entry point off the row being replaced.
// Tombstoned nodes still qualify: traversal passes through them and only
// result collection skips them. Callers hold mu.
func (h *Index) electEntryPoint(exclude uint32) {
	best := -1
	for i, n := range h.nodes {
		if n == nil || uint32(i) == exclude {
			continue
		}
		if best == -1 || n.level > h.nodes[best].level {
			best = i
		}
	}
	if best >= 0 {
		h.entryPoint = uint32(best)
		h.maxLevel = h.nodes[best].level
	}
}

// insertNode walks the graph and links the new node. Callers hold mu.
func (h *Index) insertNode(row uint32, vec []float32, level int) {
	currID := h.entryPoint
	currDist := h.distTo(vec, currID)

	for l := h.maxLevel; l > level; l-- {
		changed := true
		for changed {
			changed = false
			for _, next := range h.edgesAt(currID, l) {
				nextDist := h.distTo(vec, next)
				if nextDist < currDist {
					currID = next
					currDist = nextDist
					changed = true
				}
			}
		}
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, currID, currDist, l, h.opts.EF, nil, true)

		if best, ok := candidates.Min(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		maxConns := h.maxConns
		if l == 0 {
			maxConns = h.maxConns0
		}

		neighbors := h.selectNeighbors(candidates, maxConns)
		candidates.Reset()
		h.maxQueuePool.Put(candidates)

		h.nodes[row].edges[l] = neighbors
		for _, neighbor := range neighbors {
			h.linkBack(neighbor, row, l)
		}
	}
}

// linkBack adds row to neighbor's adjacency at layer l, pruning when over
// the connection budget. Callers hold mu.
func (h *Index) linkBack(neighbor, row uint32, l int) {
	n := h.nodes[neighbor]
	if n == nil || l > n.level {
		return
	}

	conns := n.edges[l]
	for _, c := range conns {
		if c == row {
			return
		}
	}

	maxConns := h.maxConns
	if l == 0 {
		maxConns = h.maxConns0
	}

	if len(conns) < maxConns {
		n.edges[l] = append(conns, row)
		return
	}

	candidates := h.maxQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.maxQueuePool.Put(candidates)
	}()

	src := n.vector
	for _, c := range conns {
		candidates.Push(queue.Item{Node: c, Distance: h.distTo(src, c)})
	}
	candidates.Push(queue.Item{Node: row, Distance: h.distTo(src, row)})

	n.edges[l] = h.selectNeighbors(candidates, maxConns)
}

func (h *Index) edgesAt(row uint32, l int) []uint32 {
	if int(row) >= len(h.nodes) {
		return nil
	}
	n := h.nodes[row]
	if n == nil || l > n.level {
		return nil
	}
	return n.edges[l]
}

func (h *Index) selectNeighbors(candidates *queue.PriorityQueue, m int) []uint32 {
	if h.opts.Heuristic {
		return h.selectNeighborsHeuristic(candidates, m)
	}
	return h.selectNeighborsSimple(candidates, m)
}

func (h *Index) selectNeighborsSimple(candidates *queue.PriorityQueue, m int) []uint32 {
	for candidates.Len() > m {
		_, _ = candidates.Pop()
	}

	res := make([]uint32, 0, candidates.Len())
	for candidates.Len() > 0 {
		item, _ := candidates.Pop()
		res = append(res, item.Node)
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res
}

// selectNeighborsHeuristic keeps a candidate only if it is closer to the
// source than to every neighbor already kept (relative neighborhood graph
// property), which preserves long-range links in clustered data.
func (h *Index) selectNeighborsHeuristic(candidates *queue.PriorityQueue, m int) []uint32 {
	if candidates.Len() <= m {
		return h.selectNeighborsSimple(candidates, m)
	}

	// candidates is a max-heap, so popping yields worst-to-best;
	// the heuristic wants best-to-worst.
	temp := make([]queue.Item, candidates.Len())
	for i := len(temp) - 1; i >= 0; i-- {
		temp[i], _ = candidates.Pop()
	}

	result := make([]uint32, 0, m)
	resultVecs := make([][]float32, 0, m)

	for _, cand := range temp {
		if len(result) >= m {
			break
		}
		candVec := h.nodes[cand.Node].vector

		good := true
		for _, resVec := range resultVecs {
			if h.distFunc(candVec, resVec) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand.Node)
			resultVecs = append(resultVecs, candVec)
		}
	}

	for _, cand := range temp {
		if len(result) >= m {
			break
		}
		seen := false
		for _, r := range result {
			if r == cand.Node {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, cand.Node)
		}
	}

	return result
}

// searchLayer explores one layer starting from the entry point and returns
// a max-heap of up to ef results. The returned queue comes from
// maxQueuePool; callers must Reset and put it back. Tombstoned nodes are
// traversed for connectivity but never returned. Callers hold mu (read or
// write per forInsert).
func (h *Index) searchLayer(query []float32, epID uint32, epDist float32, level, ef int, filter func(uint32) bool, forInsert bool) *queue.PriorityQueue {
	vis := h.visitedPool.Get().(*visited.Set)
	vis.Reset()
	defer h.visitedPool.Put(vis)

	candidates := h.minQueuePool.Get().(*queue.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.minQueuePool.Put(candidates)
	}()

	results := h.maxQueuePool.Get().(*queue.PriorityQueue)
	results.Reset()

	vis.Visit(epID)
	candidates.Push(queue.Item{Node: epID, Distance: epDist})
	if h.returnable(epID, filter, forInsert) {
		results.Push(queue.Item{Node: epID, Distance: epDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			worst, _ := results.Top()
			if curr.Distance > worst.Distance {
				break
			}
		}

		for _, next := range h.edgesAt(curr.Node, level) {
			if vis.Visited(next) {
				continue
			}
			vis.Visit(next)

			nextDist := h.distTo(query, next)

			// With a filter active, keep traversal permissive so the walk
			// does not get trapped inside a filtered-out region.
			if filter == nil && results.Len() >= ef {
				worst, _ := results.Top()
				if nextDist > worst.Distance {
					continue
				}
			}

			candidates.Push(queue.Item{Node: next, Distance: nextDist})
			if h.returnable(next, filter, forInsert) {
				results.Push(queue.Item{Node: next, Distance: nextDist})
				if results.Len() > ef {
					_, _ = results.Pop()
				}
			}
		}
	}

	return results
}

func (h *Index) returnable(row uint32, filter func(uint32) bool, forInsert bool) bool {
	if !forInsert && h.tombstones.Contains(row) {
		return false
	}
	return filter == nil || filter(row)
}

func (h *Index) distTo(v []float32, row uint32) float32 {
	if int(row) >= len(h.nodes) || h.nodes[row] == nil {
		return math.MaxFloat32
	}
	return h.distFunc(v, h.nodes[row].vector)
}

// Delete tombstones a row. The node stays in the graph so traversal keeps
// its connectivity, but it is never returned from a search.
func (h *Index) Delete(row uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleteLocked(row)
}

func (h *Index) deleteLocked(row uint32) {
	if int(row) >= len(h.nodes) || h.nodes[row] == nil {
		return
	}
	if h.tombstones.Contains(row) {
		return
	}
	h.tombstones.Add(row)
	h.count--
}

// Search returns up to k approximate nearest neighbors, closest first.
// filter, when non-nil, is applied during traversal rather than after it
// so the result set is not starved by post-filtering.
func (h *Index) Search(q []float32, k int, filter func(uint32) bool) ([]Result, error) {
	if len(q) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}
	if k <= 0 {
		return nil, nil
	}

	query := q
	if h.normalize {
		normalized, ok := distance.NormalizeL2Copy(q)
		if !ok {
			return nil, fmt.Errorf("hnsw: zero query vector")
		}
		query = normalized
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return nil, nil
	}

	ef := h.opts.EF
	if ef < k {
		ef = k
	}

	currID := h.entryPoint
	currDist := h.distTo(query, currID)

	for l := h.maxLevel; l > 0; l-- {
		changed := true
		for changed {
			changed = false
			for _, next := range h.edgesAt(currID, l) {
				nextDist := h.distTo(query, next)
				if nextDist < currDist {
					currID = next
					currDist = nextDist
					changed = true
				}
			}
		}
	}

	results := h.searchLayer(query, currID, currDist, 0, ef, filter, false)
	defer func() {
		results.Reset()
		h.maxQueuePool.Put(results)
	}()

	for results.Len() > k {
		_, _ = results.Pop()
	}

	res := make([]Result, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.Pop()
		res[i] = Result{Row: item.Node, Distance: item.Distance}
	}
	return res, nil
}
