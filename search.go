package vecfs

import (
	"context"
	"sort"

	"github.com/vecfs/vecfs/distance"
	"github.com/vecfs/vecfs/hnsw"
	"github.com/vecfs/vecfs/idindex"
	"github.com/vecfs/vecfs/model"
)

// SearchParams carries the optional knobs of a search.
type SearchParams struct {
	// Filter restricts results by payload fields. Nil matches everything.
	Filter *FilterConditions

	// MinScore drops results scoring below it. Zero keeps everything
	// with a non-negative score.
	MinScore float32
}

// candidate is one scored row before id resolution finishes.
type candidate struct {
	row     model.RowID
	id      string
	score   float32
	payload model.Payload
}

// Search returns up to limit points most similar to the query vector,
// best first. Approximate candidates come from the ANN graph when one is
// loaded; otherwise every point is scanned. Both paths score identically,
// so they agree on the result set.
func (s *Store) Search(ctx context.Context, name string, query []float32, limit int, params SearchParams) ([]model.ScoredPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}

	h, err := s.handleFor(name)
	if err != nil {
		return nil, err
	}

	meta, err := h.store.Meta()
	if err != nil {
		err = translateError(err)
		s.logger.LogSearch(ctx, name, limit, 0, false, err)
		return nil, err
	}
	if len(query) != meta.VectorSize {
		err := &ErrDimensionMismatch{Expected: meta.VectorSize, Actual: len(query)}
		s.logger.LogSearch(ctx, name, limit, 0, false, err)
		return nil, err
	}
	// Reject degenerate queries here so the indexed and full-scan paths
	// cannot disagree on them.
	if s.opts.metric == distance.MetricCosine && distance.Dot(query, query) == 0 {
		s.logger.LogSearch(ctx, name, limit, 0, false, ErrZeroVector)
		return nil, ErrZeroVector
	}

	entry, err := s.acquire(ctx, name, h, meta)
	if err != nil {
		s.logger.LogSearch(ctx, name, limit, 0, false, err)
		return nil, err
	}

	var (
		results []model.ScoredPoint
		indexed bool
	)
	err = entry.Read(func(graph *hnsw.Index, ids *idindex.Index) error {
		var cands []candidate
		var innerErr error

		if graph != nil && graph.Count() > 0 {
			indexed = true
			cands, innerErr = s.annCandidates(h, graph, ids, query, limit)
		} else {
			cands, innerErr = s.scanCandidates(h, ids, query)
		}
		if innerErr != nil {
			return innerErr
		}

		results = finishSearch(cands, limit, params)
		return nil
	})
	if err != nil {
		s.logger.LogSearch(ctx, name, limit, 0, indexed, err)
		return nil, err
	}

	s.logger.LogSearch(ctx, name, limit, len(results), indexed, nil)
	return results, nil
}

// annCandidates retrieves limit times the overfetch factor approximate
// neighbors, so the filter and min-score cut still leave enough results.
func (s *Store) annCandidates(h *handle, graph *hnsw.Index, ids *idindex.Index, query []float32, limit int) ([]candidate, error) {
	k := limit * s.opts.overfetchFactor

	neighbors, err := graph.Search(query, k, nil)
	if err != nil {
		return nil, err
	}

	cands := make([]candidate, 0, len(neighbors))
	for _, n := range neighbors {
		id, ok := ids.IDForRow(model.RowID(n.Row))
		if !ok {
			continue
		}
		loc, ok := ids.Lookup(id)
		if !ok {
			continue
		}
		p, err := h.store.ReadPoint(loc.File)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{
			row:     model.RowID(n.Row),
			id:      id,
			score:   scoreFromDistance(s.opts.metric, n.Distance),
			payload: p.Payload,
		})
	}
	return cands, nil
}

// scanCandidates scores every live point directly from the point store.
// This is the fallback when no ANN graph is available and the reference
// the indexed path must agree with.
func (s *Store) scanCandidates(h *handle, ids *idindex.Index, query []float32) ([]candidate, error) {
	q := query
	if s.opts.metric == distance.MetricCosine {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, nil
		}
		q = normalized
	}

	distFunc, err := distance.Provider(s.opts.metric)
	if err != nil {
		return nil, err
	}

	// The secondary index record count sizes the candidate list; it is
	// advisory, a missing or truncated file costs only reallocation.
	var cands []candidate
	if n, countErr := h.sec.Count(); countErr == nil && n > 0 {
		cands = make([]candidate, 0, n)
	}
	ids.Walk(func(id string, loc model.Locator) bool {
		p, err := h.store.ReadPoint(loc.File)
		if err != nil {
			return true
		}
		if len(p.Vector) != len(q) {
			return true
		}

		v := p.Vector
		if s.opts.metric == distance.MetricCosine {
			normalized, ok := distance.NormalizeL2Copy(p.Vector)
			if !ok {
				return true
			}
			v = normalized
		}

		cands = append(cands, candidate{
			row:     loc.Row,
			id:      id,
			score:   scoreFromDistance(s.opts.metric, distFunc(q, v)),
			payload: p.Payload,
		})
		return true
	})
	return cands, nil
}

// scoreFromDistance converts a metric distance into a similarity score.
// For cosine over normalized vectors, score = 1 - distance = dot product.
func scoreFromDistance(m distance.Metric, dist float32) float32 {
	switch m {
	case distance.MetricCosine:
		return 1 - dist
	case distance.MetricDot:
		return -dist
	default:
		return -dist
	}
}

// finishSearch applies filters, the min-score cut, descending score order
// with insertion-order tie-break, and the limit.
func finishSearch(cands []candidate, limit int, params SearchParams) []model.ScoredPoint {
	kept := cands[:0]
	for _, c := range cands {
		if !params.Filter.Matches(c.payload) {
			continue
		}
		if c.score < params.MinScore {
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		return kept[i].row < kept[j].row
	})

	if len(kept) > limit {
		kept = kept[:limit]
	}

	out := make([]model.ScoredPoint, len(kept))
	for i, c := range kept {
		out[i] = model.ScoredPoint{ID: c.id, Score: c.score, Payload: c.payload}
	}
	return out
}
