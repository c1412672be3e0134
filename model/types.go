package model

import "fmt"

// RowID is a dense, collection-local identifier for a stored point.
// Row IDs are assigned in insertion order and double as the node IDs of
// the ANN graph and the record positions of the secondary index.
type RowID uint32

// Payload is the opaque key/value map stored alongside a vector
// (path, language, content fingerprint, ...).
type Payload map[string]any

// Point is one embedded unit: a stable string ID, its vector and payload.
type Point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload,omitempty"`
}

// Locator resolves a point ID to its storage location.
type Locator struct {
	// Row is the dense row ID, also the ANN node ID.
	Row RowID `json:"row"`
	// File is the point file name relative to the collection directory.
	File string `json:"file"`
	// Path is the source path from the payload, empty if the payload
	// carries none. Kept here so the unique file count survives restarts
	// without a payload scan.
	Path string `json:"path,omitempty"`
}

func (l Locator) String() string {
	return fmt.Sprintf("Loc(%d:%s)", l.Row, l.File)
}

// ScoredPoint is a single search hit.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload Payload
}
