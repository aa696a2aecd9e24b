package queue

import (
	"bytes"
	"encoding/json"

	"github.com/klauspost/compress/gzip"

	"nuha.dev/gpsgateway/internal/model"
)

// CompressPositions gzip-compresses the JSON encoding of positions, for the
// optional write-only batch blob (spec.md §0.2 of the expanded spec). Nothing
// in this module ever decompresses or reads the result back; it exists
// purely as an operator-inspectable archival artifact.
func CompressPositions(positions []model.Position) ([]byte, error) {
	raw, err := json.Marshal(positions)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
