package queue

import (
	"context"
	"time"

	"nuha.dev/gpsgateway/internal/model"
)

// Name identifies one of the two logical queues.
type Name string

const (
	History Name = "history"
	Latest  Name = "latest"
)

// Job is the payload a BatchAccumulator flush enqueues (spec.md §4.3).
type Job struct {
	BatchID        string           `json:"batch_id"`
	Kind           Name             `json:"kind"`
	Positions      []model.Position `json:"positions"`
	Count          int              `json:"count"`
	CreatedAt      time.Time        `json:"created_at"`
	CompressedBlob []byte           `json:"compressed_blob,omitempty"`
}

// Handler persists a Job's positions to the Store. Returning an error counts
// as an attempt failure.
type Handler func(ctx context.Context, job Job) error
