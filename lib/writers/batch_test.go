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
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakePersister struct {
	mu sync.Mutex
	// errs are returned by successive Persist calls; once exhausted, Persist succeeds.
	errs     []error
	closeErr error

	batches [][]*Record
	closed  bool
}

func (f *fakePersister) SetUp(context.Context, *Config, SecretGetter, ObjectStore) error {
	return nil
}

func (f *fakePersister) Persist(_ context.Context, records []*Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]*Record(nil), records...))
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakePersister) Close() error {
	f.closed = true
	return f.closeErr
}

func records(prefix string, n int) []*Record {
	var rs []*Record
	for i := 0; i < n; i++ {
		rs = append(rs, &Record{UUID: fmt.Sprintf("%s%d", prefix, i), Payload: map[string]interface{}{"i": float64(i)}})
	}
	return rs
}

func ids(batches [][]*Record) [][]string {
	var out [][]string
	for _, b := range batches {
		var bids []string
		for _, r := range b {
			bids = append(bids, r.UUID)
		}
		out = append(out, bids)
	}
	return out
}

var errRejected = &RejectedError{Err: errors.New("invalid: Error while reading data")}

func TestNewBatchWriterChunkSize(t *testing.T) {
	for _, tc := range []struct {
		chunkSize int
		want      int
	}{
		{chunkSize: 0, want: DefaultChunkSize},
		{chunkSize: -3, want: DefaultChunkSize},
		{chunkSize: 1, want: 1},
		{chunkSize: 500, want: 500},
	} {
		if got := NewBatchWriter(&fakePersister{}, nil, tc.chunkSize).ChunkSize(); got != tc.want {
			t.Errorf("NewBatchWriter(chunkSize=%d).ChunkSize() = %d, want %d", tc.chunkSize, got, tc.want)
		}
	}
}

func TestBatchWriterWrite(t *testing.T) {
	for _, tc := range []struct {
		name         string
		chunkSize    int
		writes       []int
		errs         []error
		wantBatches  [][]string
		wantBuffered int
		wantErr      bool
	}{{
		name:         "below threshold",
		chunkSize:    3,
		writes:       []int{2},
		wantBuffered: 2,
	}, {
		name:        "exactly one chunk",
		chunkSize:   3,
		writes:      []int{3},
		wantBatches: [][]string{{"w0-0", "w0-1", "w0-2"}},
	}, {
		name:         "chunks across writes",
		chunkSize:    2,
		writes:       []int{1, 2, 2},
		wantBatches:  [][]string{{"w0-0", "w1-0"}, {"w1-1", "w2-0"}},
		wantBuffered: 1,
	}, {
		name:        "rejected batch is replaced by the next write",
		chunkSize:   2,
		writes:      []int{2, 2},
		errs:        []error{errRejected},
		wantBatches: [][]string{{"w0-0", "w0-1"}, {"w1-0", "w1-1"}},
	}, {
		name:         "rejected batch stays buffered",
		chunkSize:    2,
		writes:       []int{2},
		errs:         []error{errRejected},
		wantBatches:  [][]string{{"w0-0", "w0-1"}},
		wantBuffered: 2,
	}, {
		name:         "failure propagates",
		chunkSize:    2,
		writes:       []int{2},
		errs:         []error{errors.New("backend unavailable")},
		wantBatches:  [][]string{{"w0-0", "w0-1"}},
		wantBuffered: 2,
		wantErr:      true,
	}} {
		t.Run(tc.name, func(t *testing.T) {
			fp := &fakePersister{errs: tc.errs}
			bw := NewBatchWriter(fp, nil, tc.chunkSize)

			var err error
			for i, n := range tc.writes {
				if err = bw.Write(context.Background(), records(fmt.Sprintf("w%d-", i), n)...); err != nil {
					break
				}
			}
			if err != nil {
				if !tc.wantErr {
					t.Fatalf("Write failed: %v", err)
				}
				t.Logf("got expected error: %v", err)
			} else if tc.wantErr {
				t.Fatal("Write succeeded unexpectedly")
			}

			if diff := cmp.Diff(tc.wantBatches, ids(fp.batches)); diff != "" {
				t.Errorf("unexpected persisted batches (want- got+):\n%s", diff)
			}
			if got := bw.Buffered(); got != tc.wantBuffered {
				t.Errorf("Buffered() = %d, want %d", got, tc.wantBuffered)
			}
		})
	}
}

func TestBatchWriterFlush(t *testing.T) {
	fp := &fakePersister{}
	bw := NewBatchWriter(fp, nil, 10)

	if err := bw.Flush(context.Background()); err != nil {
		t.Fatalf("Flush of an empty buffer failed: %v", err)
	}
	if len(fp.batches) != 0 {
		t.Fatalf("Flush of an empty buffer persisted %d batches", len(fp.batches))
	}

	if err := bw.Write(context.Background(), records("r", 4)...); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := bw.Buffered(); got != 0 {
		t.Errorf("Buffered() after Flush = %d, want 0", got)
	}
	if diff := cmp.Diff([][]string{{"r0", "r1", "r2", "r3"}}, ids(fp.batches)); diff != "" {
		t.Errorf("unexpected persisted batches (want- got+):\n%s", diff)
	}
}

func TestBatchWriterRejectedIsNotRetried(t *testing.T) {
	fp := &fakePersister{errs: []error{errRejected}}
	bw := NewBatchWriter(fp, nil, 2)
	before := testutil.ToFloat64(recordsRejected)

	if err := bw.Write(context.Background(), records("r", 2)...); err != nil {
		t.Fatalf("Write of a rejected batch returned an error: %v", err)
	}
	if got := bw.Unpersisted(); got != 0 {
		t.Errorf("Unpersisted() after rejection = %d, want 0", got)
	}
	if got := bw.Buffered(); got != 2 {
		t.Errorf("Buffered() after rejection = %d, want 2", got)
	}

	// Neither Flush nor Close resubmit the rejected rows.
	if err := bw.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := bw.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fp.batches) != 1 {
		t.Errorf("persisted %d batches, want exactly 1", len(fp.batches))
	}
	if got := testutil.ToFloat64(recordsRejected) - before; got != 2 {
		t.Errorf("records_rejected_total grew by %v, want 2", got)
	}
}

func TestBatchWriterFailureKeepsBuffer(t *testing.T) {
	fp := &fakePersister{errs: []error{errors.New("connection reset")}}
	bw := NewBatchWriter(fp, nil, 3)

	if err := bw.Write(context.Background(), records("r", 3)...); err == nil {
		t.Fatal("Write succeeded unexpectedly")
	} else if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error %q does not carry the persist failure", err)
	}
	if got := bw.Unpersisted(); got != 3 {
		t.Errorf("Unpersisted() = %d, want 3", got)
	}

	// The next attempt resubmits the same records.
	if err := bw.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	if diff := cmp.Diff([][]string{{"r0", "r1", "r2"}, {"r0", "r1", "r2"}}, ids(fp.batches)); diff != "" {
		t.Errorf("unexpected persisted batches (want- got+):\n%s", diff)
	}
}

func TestBatchWriterDiscard(t *testing.T) {
	fp := &fakePersister{}
	bw := NewBatchWriter(fp, nil, 5)
	if err := bw.Write(context.Background(), records("r", 3)...); err != nil {
		t.Fatal(err)
	}
	bw.Discard()
	if err := bw.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fp.batches) != 0 {
		t.Errorf("discarded records were persisted: %v", ids(fp.batches))
	}
}

type uuidPrefixFilter string

func (f uuidPrefixFilter) Apply(_ context.Context, r *Record) bool {
	return strings.HasPrefix(r.UUID, string(f))
}

func TestBatchWriterFilter(t *testing.T) {
	fp := &fakePersister{}
	bw := NewBatchWriter(fp, uuidPrefixFilter("keep"), 2)
	before := testutil.ToFloat64(recordsFiltered)

	rs := append(records("keep", 1), records("drop", 3)...)
	rs = append(rs, records("keep-too", 1)...)
	if err := bw.Write(context.Background(), rs...); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([][]string{{"keep0", "keep-too0"}}, ids(fp.batches)); diff != "" {
		t.Errorf("unexpected persisted batches (want- got+):\n%s", diff)
	}
	if got := testutil.ToFloat64(recordsFiltered) - before; got != 3 {
		t.Errorf("records_filtered_total grew by %v, want 3", got)
	}
}

func TestBatchWriterClose(t *testing.T) {
	for _, tc := range []struct {
		name       string
		errs       []error
		closeErr   error
		wantErrs   []string
		wantPersist int
	}{{
		name:       "flushes remainder",
		wantPersist: 1,
	}, {
		name:       "flush failure",
		errs:       []error{errors.New("flush boom")},
		wantErrs:   []string{"flush boom"},
		wantPersist: 1,
	}, {
		name:       "close failure",
		closeErr:   errors.New("close boom"),
		wantErrs:   []string{"close boom"},
		wantPersist: 1,
	}, {
		name:       "both fail",
		errs:       []error{errors.New("flush boom")},
		closeErr:   errors.New("close boom"),
		wantErrs:   []string{"flush boom", "close boom"},
		wantPersist: 1,
	}} {
		t.Run(tc.name, func(t *testing.T) {
			fp := &fakePersister{errs: tc.errs, closeErr: tc.closeErr}
			bw := NewBatchWriter(fp, nil, 10)
			if err := bw.Write(context.Background(), records("r", 3)...); err != nil {
				t.Fatal(err)
			}

			err := bw.Close(context.Background())
			if len(tc.wantErrs) == 0 && err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			for _, want := range tc.wantErrs {
				if err == nil || !strings.Contains(err.Error(), want) {
					t.Errorf("Close() = %v, want error containing %q", err, want)
				}
			}
			if !fp.closed {
				t.Error("persister was not closed")
			}
			if len(fp.batches) != tc.wantPersist {
				t.Errorf("persisted %d batches, want %d", len(fp.batches), tc.wantPersist)
			}
		})
	}
}

func TestRejectedError(t *testing.T) {
	inner := errors.New("invalid row")
	var err error = fmt.Errorf("wrapped: %w", &RejectedError{Err: inner})

	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("errors.As(%v, *RejectedError) = false", err)
	}
	if !errors.Is(err, inner) {
		t.Errorf("errors.Is(%v, inner) = false", err)
	}
}
