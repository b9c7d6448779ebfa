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

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/GoogleCloudPlatform/bq-load-writer/lib/writers"
	log "github.com/golang/glog"
	"github.com/google/uuid"
)

const memoryScratch = ":memory:"

// stager opens the scratch buffer that one persist call serializes its rows into.
type stager interface {
	Open(ctx context.Context) (scratch, error)
}

// scratch holds serialized rows until they are submitted as a load job. Close must be called on
// every path, whether or not Submit was.
type scratch interface {
	io.Writer
	Submit(ctx context.Context, client bq, ref tableRef, tmpl *loadTemplate) (loadJob, error)
	Close() error
}

// newStager picks the scratch space for the given location: memory for "" or ":memory:", a GCS
// object under a `gs://bucket/prefix` location, and a local file for anything else.
func newStager(location string, st writers.ObjectStore) (stager, error) {
	switch {
	case location == "" || location == memoryScratch:
		return memStager{}, nil
	case strings.HasPrefix(location, "gs://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(location, "gs://"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("expected scratch location %q to name a bucket", location)
		}
		return &gcsStager{st: st, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
	default:
		return fileStager(location), nil
	}
}

type memStager struct{}

func (memStager) Open(context.Context) (scratch, error) {
	return new(memScratch), nil
}

type memScratch struct {
	bytes.Buffer
}

func (m *memScratch) Submit(ctx context.Context, client bq, ref tableRef, tmpl *loadTemplate) (loadJob, error) {
	return client.LoadFromReader(ctx, ref, bytes.NewReader(m.Bytes()), tmpl)
}

func (m *memScratch) Close() error {
	m.Reset()
	return nil
}

// fileStager stages rows in the file at the given path, truncating it on every persist.
type fileStager string

func (f fileStager) Open(context.Context) (scratch, error) {
	fh, err := os.Create(string(f))
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	return &fileScratch{fh}, nil
}

type fileScratch struct {
	*os.File
}

func (f *fileScratch) Submit(ctx context.Context, client bq, ref tableRef, tmpl *loadTemplate) (loadJob, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind scratch file %q: %w", f.Name(), err)
	}
	return client.LoadFromReader(ctx, ref, f.File, tmpl)
}

// gcsStager stages rows in a new object under gs://bucket/prefix for every persist.
type gcsStager struct {
	st     writers.ObjectStore
	bucket string
	prefix string
}

func (g *gcsStager) Open(ctx context.Context) (scratch, error) {
	object := path.Join(g.prefix, uuid.NewString()+".json")
	// Cancelling the writer's context before Close aborts the upload.
	wctx, cancel := context.WithCancel(ctx)
	return &gcsScratch{
		WriteCloser: g.st.NewWriter(wctx, g.bucket, object),
		ctx:         context.WithoutCancel(ctx),
		cancel:      cancel,
		st:          g.st,
		bucket:      g.bucket,
		object:      object,
	}, nil
}

type gcsScratch struct {
	io.WriteCloser
	// ctx outlives the persist call so the staged object is deleted even after a cancellation.
	ctx    context.Context
	cancel context.CancelFunc
	st     writers.ObjectStore
	bucket string
	object string

	closed   bool
	uploaded bool
}

func (g *gcsScratch) uri() string {
	return fmt.Sprintf("gs://%s/%s", g.bucket, g.object)
}

func (g *gcsScratch) Submit(ctx context.Context, client bq, ref tableRef, tmpl *loadTemplate) (loadJob, error) {
	g.closed = true
	if err := g.WriteCloser.Close(); err != nil {
		return nil, fmt.Errorf("failed to upload scratch object %q: %w", g.uri(), err)
	}
	g.uploaded = true
	log.V(2).Infof("staged rows in %s", g.uri())
	return client.LoadFromGCS(ctx, ref, g.uri(), tmpl)
}

// Close aborts an upload that was never submitted and deletes an uploaded object. A failed
// delete is only logged: the rows were already loaded or rejected, and reporting it would make
// the batch look undelivered.
func (g *gcsScratch) Close() error {
	defer g.cancel()
	if !g.closed {
		g.closed = true
		g.cancel()
		// The upload was aborted above, so the error only reports the cancellation.
		_ = g.WriteCloser.Close()
		return nil
	}
	if g.uploaded {
		g.uploaded = false
		if err := g.st.Delete(g.ctx, g.bucket, g.object); err != nil {
			log.Warningf("failed to delete scratch object %q: %v", g.uri(), err)
		}
	}
	return nil
}
