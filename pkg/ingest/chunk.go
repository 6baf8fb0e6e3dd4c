package ingest

import (
	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// MaxChunkBytes is the hard cap on a chunk's packed size.
const MaxChunkBytes = 16 << 20

// PackedSize is the budgeted cost of one serialized row: twice its length to
// allow for encoding expansion, plus its newline.
func PackedSize(rowLen int) int {
	return 2*rowLen + 1
}

// Chunk is a contiguous run of rows sent in one request.
type Chunk struct {
	// Start is the index of the first row in the planned input.
	Start      int
	Rows       [][]byte
	PackedSize int
}

// PlanChunks packs rows greedily, in order, into chunks whose packed size
// does not exceed limit. Every chunk holds at least one row. A row that cannot
// fit on its own is a DataTooLarge error and nothing is planned.
func PlanChunks(rows [][]byte, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = MaxChunkBytes
	}

	var (
		chunks []Chunk
		cur    Chunk
	)
	for i, row := range rows {
		cost := PackedSize(len(row))
		if cost > limit {
			return nil, errors.New(errors.ErrorTypeDataTooLarge, "row exceeds request size limit").
				WithDetail(errors.DetailRowIndex, i).
				WithDetail(errors.DetailSize, len(row)).
				WithDetail(errors.DetailPackedSize, cost).
				WithDetail(errors.DetailLimit, limit)
		}
		if len(cur.Rows) > 0 && cur.PackedSize+cost > limit {
			chunks = append(chunks, cur)
			cur = Chunk{}
		}
		if len(cur.Rows) == 0 {
			cur.Start = i
		}
		cur.Rows = append(cur.Rows, row)
		cur.PackedSize += cost
	}
	if len(cur.Rows) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks, nil
}
