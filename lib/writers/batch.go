// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package writers

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/golang/glog"
)

// RejectedError is returned by a Persister when the destination refused the content of a batch
// (malformed or invalid rows). Such batches are dropped rather than retried.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("batch rejected: %v", e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// BatchWriter accumulates records and persists them once ChunkSize of them are buffered.
// It is not safe for concurrent use.
type BatchWriter struct {
	p         Persister
	filter    RecordFilter
	chunkSize int

	buf []*Record
	// rejected is set when the destination refused buf. The records stay buffered until the next
	// Write replaces them, and are never resubmitted.
	rejected bool
}

// NewBatchWriter returns a BatchWriter persisting through p. A nil filter accepts every record and a
// non-positive chunkSize means DefaultChunkSize.
func NewBatchWriter(p Persister, filter RecordFilter, chunkSize int) *BatchWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &BatchWriter{
		p:         p,
		filter:    filter,
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the number of buffered records that triggers a persist.
func (b *BatchWriter) ChunkSize() int {
	return b.chunkSize
}

// Buffered returns the number of records held in the buffer, including a rejected batch.
func (b *BatchWriter) Buffered() int {
	return len(b.buf)
}

// Unpersisted returns the number of buffered records that still await a persist attempt.
func (b *BatchWriter) Unpersisted() int {
	if b.rejected {
		return 0
	}
	return len(b.buf)
}

// Write appends the records that pass the filter to the buffer, persisting whenever it fills up.
func (b *BatchWriter) Write(ctx context.Context, records ...*Record) error {
	for _, r := range records {
		if !b.Accepts(ctx, r) {
			continue
		}
		if err := b.add(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Accepts reports whether r passes the filter. Records it refuses are counted as filtered.
// Unlike Write, it may be called concurrently.
func (b *BatchWriter) Accepts(ctx context.Context, r *Record) bool {
	if b.filter == nil || b.filter.Apply(ctx, r) {
		return true
	}
	log.V(2).Infof("record %q filtered out", r.UUID)
	recordsFiltered.Inc()
	return false
}

// add buffers r without filtering it and persists once the buffer is full.
func (b *BatchWriter) add(ctx context.Context, r *Record) error {
	if b.rejected {
		b.buf = nil
		b.rejected = false
	}
	b.buf = append(b.buf, r)
	if len(b.buf) >= b.chunkSize {
		return b.Flush(ctx)
	}
	return nil
}

// Flush persists the buffered records. The buffer is cleared only when the destination accepted
// them; a rejected batch is logged and kept without returning an error.
func (b *BatchWriter) Flush(ctx context.Context) error {
	if len(b.buf) == 0 || b.rejected {
		return nil
	}

	n := len(b.buf)
	start := time.Now()
	err := b.p.Persist(ctx, b.buf)
	persistDuration.Observe(time.Since(start).Seconds())

	var rej *RejectedError
	switch {
	case errors.As(err, &rej):
		log.Warningf("Omitting %d rows because %v.", b.chunkSize, rej.Err)
		persists.WithLabelValues(outcomeRejected).Inc()
		recordsRejected.Add(float64(n))
		b.rejected = true
		return nil
	case err != nil:
		persists.WithLabelValues(outcomeFailed).Inc()
		return fmt.Errorf("failed to persist %d records: %w", n, err)
	}

	log.V(2).Infof("persisted %d records", n)
	persists.WithLabelValues(outcomeSuccess).Inc()
	recordsPersisted.Add(float64(n))
	b.buf = nil
	return nil
}

// Discard drops every buffered record without persisting it.
func (b *BatchWriter) Discard() {
	if len(b.buf) > 0 {
		log.Warningf("discarding %d buffered records", len(b.buf))
	}
	b.buf = nil
	b.rejected = false
}

// Close flushes the buffer and closes the Persister.
func (b *BatchWriter) Close(ctx context.Context) error {
	ferr := b.Flush(ctx)
	if err := b.p.Close(); err != nil {
		return errors.Join(ferr, fmt.Errorf("failed to close persister: %w", err))
	}
	return ferr
}
