// Copyright 2020 Google LLC
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
	"context"
	"io"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"
)

type bqFactory interface {
	Make(ctx context.Context, projectID string, opts ...option.ClientOption) (bq, error)
}

type bq interface {
	TableMetadata(ctx context.Context, ref tableRef) (*bigquery.TableMetadata, error)
	CreateTable(ctx context.Context, ref tableRef, md *bigquery.TableMetadata) error
	// LoadFromReader uploads the contents of r and starts a load job into the table.
	LoadFromReader(ctx context.Context, ref tableRef, r io.Reader, tmpl *loadTemplate) (loadJob, error)
	// LoadFromGCS starts a load job reading the GCS object at uri.
	LoadFromGCS(ctx context.Context, ref tableRef, uri string, tmpl *loadTemplate) (loadJob, error)
	Close() error
}

type loadJob interface {
	ID() string
	// Wait blocks until the job is done and returns the job's error, if any.
	Wait(ctx context.Context) error
}
