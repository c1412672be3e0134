// Package queue provides value-based min/max binary heaps for ANN
// candidate lists. Value storage keeps the hot search path allocation-free.
package queue

// Item is one candidate in a priority queue.
type Item struct {
	Node     uint32
	Distance float32
}

// PriorityQueue is a binary heap over Items, ordered by Distance.
type PriorityQueue struct {
	max   bool // true = max heap (worst on top), false = min heap
	items []Item
}

// NewMin initializes a min-ordered priority queue.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{max: false, items: make([]Item, 0, capacity)}
}

// NewMax initializes a max-ordered priority queue.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of queued items.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Top returns the root of the heap without removing it.
func (pq *PriorityQueue) Top() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) Push(item Item) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// Pop removes and returns the root of the heap.
func (pq *PriorityQueue) Pop() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items[n-1] = Item{}
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// Min returns the item with the smallest Distance currently queued.
// For min heaps this is the root; for max heaps it scans the backing slice.
func (pq *PriorityQueue) Min() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	if !pq.max {
		return pq.items[0], true
	}
	min := pq.items[0]
	for i := 1; i < len(pq.items); i++ {
		if pq.items[i].Distance < min.Distance {
			min = pq.items[i]
		}
	}
	return min, true
}

// Reset clears the queue for reuse.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

func (pq *PriorityQueue) less(i, j int) bool {
	if pq.max {
		return pq.items[i].Distance > pq.items[j].Distance
	}
	return pq.items[i].Distance < pq.items[j].Distance
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
