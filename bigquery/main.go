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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"unicode/utf8"

	"cloud.google.com/go/bigquery"
	"github.com/GoogleCloudPlatform/bq-load-writer/lib/writers"
	log "github.com/golang/glog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	projectKey     = "project"
	datasetKey     = "dataset"
	tableKey       = "table"
	authFileKey    = "authFile"
	authSecretKey  = "authSecret"
	schemaFileKey  = "schemaFile"
	scratchKey     = "scratch"
	createTableKey = "createTable"
	locationKey    = "location"

	// invalidReason is the BigQuery error reason for rows the service could not parse or accept.
	invalidReason = "invalid"
)

var tableResource = regexp.MustCompile("^projects/([^/]+)/datasets/([^/]+)/tables/([^/]+)$")

func main() {
	if err := writers.Main(&gbqWriter{bqf: &actualBQFactory{}}); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

type tableRef struct {
	ProjectID string
	DatasetID string
	TableID   string
}

func (t tableRef) String() string {
	return fmt.Sprintf("%s.%s.%s", t.ProjectID, t.DatasetID, t.TableID)
}

// gbqConfig is the destination configuration of the BigQuery writer. Nothing in it is checked
// until a writer is bound to it.
type gbqConfig struct {
	table       tableRef
	authFile    string
	authSecret  string // SecretManager resource name holding a service account key.
	schemaFile  string
	chunkSize   int
	scratch     string
	createTable bool
	location    string
}

func newGBQConfig(cfg *writers.Config) (*gbqConfig, error) {
	ws := cfg.Spec.Writer
	c := &gbqConfig{
		chunkSize: ws.ChunkSize,
		scratch:   memoryScratch,
	}
	if c.chunkSize <= 0 {
		c.chunkSize = writers.DefaultChunkSize
	}

	for key, dst := range map[string]*string{
		projectKey:    &c.table.ProjectID,
		datasetKey:    &c.table.DatasetID,
		tableKey:      &c.table.TableID,
		authFileKey:   &c.authFile,
		schemaFileKey: &c.schemaFile,
		scratchKey:    &c.scratch,
		locationKey:   &c.location,
	} {
		v, ok := ws.Destination[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected destination config field %q to be a string, got %T", key, v)
		}
		*dst = s
	}

	if v, ok := ws.Destination[createTableKey]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected destination config field %q to be a bool, got %T", createTableKey, v)
		}
		c.createTable = b
	}

	// The table may also be given as a full resource name.
	if rs := tableResource.FindStringSubmatch(c.table.TableID); rs != nil {
		c.table = tableRef{ProjectID: rs[1], DatasetID: rs[2], TableID: rs[3]}
	}

	if _, ok := ws.Destination[authSecretKey]; ok {
		ref, err := writers.GetSecretRef(ws.Destination, authSecretKey)
		if err != nil {
			return nil, fmt.Errorf("failed to get ref for secret field %q: %w", authSecretKey, err)
		}
		c.authSecret, err = writers.FindSecretResourceName(cfg.Spec.Secrets, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to find Secret for ref %q: %w", ref, err)
		}
	}

	return c, nil
}

// NewWriter returns a gbqWriter bound to the configuration.
func (c *gbqConfig) NewWriter(ctx context.Context, bqf bqFactory, sg writers.SecretGetter, st writers.ObjectStore) (*gbqWriter, error) {
	w := &gbqWriter{bqf: bqf}
	if err := w.bind(ctx, c, sg, st); err != nil {
		return nil, err
	}
	return w, nil
}

// clientOptions resolves the credentials: an explicit key file, a key kept in SecretManager, or
// (when neither is configured) Application Default Credentials.
func (c *gbqConfig) clientOptions(ctx context.Context, sg writers.SecretGetter) ([]option.ClientOption, error) {
	switch {
	case c.authFile != "":
		log.V(2).Infof("using credentials file %q", c.authFile)
		return []option.ClientOption{option.WithCredentialsFile(c.authFile)}, nil
	case c.authSecret != "":
		key, err := sg.GetSecret(ctx, c.authSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to get credentials secret: %w", err)
		}
		return []option.ClientOption{option.WithCredentialsJSON([]byte(key))}, nil
	}
	log.V(2).Infoln("no credentials configured, using Application Default Credentials")
	return nil, nil
}

// loadTemplate is the part of a load job configuration that is the same for every batch.
type loadTemplate struct {
	Format              bigquery.DataFormat
	WriteDisposition    bigquery.TableWriteDisposition
	Schema              bigquery.Schema
	IgnoreUnknownValues bool
	Location            string
}

func newLoadTemplate(schema bigquery.Schema, location string) *loadTemplate {
	return &loadTemplate{
		Format:              bigquery.JSON,
		WriteDisposition:    bigquery.WriteAppend,
		Schema:              schema,
		IgnoreUnknownValues: true,
		Location:            location,
	}
}

func (t *loadTemplate) fileConfig() bigquery.FileConfig {
	return bigquery.FileConfig{
		SourceFormat:        t.Format,
		AutoDetect:          false,
		Schema:              t.Schema,
		IgnoreUnknownValues: t.IgnoreUnknownValues,
	}
}

type gbqWriter struct {
	bqf    bqFactory
	cfg    *gbqConfig
	client bq
	tmpl   *loadTemplate
	stage  stager
}

func (w *gbqWriter) SetUp(ctx context.Context, cfg *writers.Config, sg writers.SecretGetter, st writers.ObjectStore) error {
	c, err := newGBQConfig(cfg)
	if err != nil {
		return err
	}
	return w.bind(ctx, c, sg, st)
}

func (w *gbqWriter) bind(ctx context.Context, c *gbqConfig, sg writers.SecretGetter, st writers.ObjectStore) error {
	opts, err := c.clientOptions(ctx, sg)
	if err != nil {
		return err
	}

	stage, err := newStager(c.scratch, st)
	if err != nil {
		return fmt.Errorf("failed to set up scratch space: %w", err)
	}

	schemaJSON, err := writers.ReadFile(ctx, st, c.schemaFile)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	schema, err := bigquery.SchemaFromJSON(schemaJSON)
	if err != nil {
		return fmt.Errorf("failed to parse schema file %q: %w", c.schemaFile, err)
	}

	client, err := w.bqf.Make(ctx, c.table.ProjectID, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize bigquery client: %w", err)
	}

	w.cfg = c
	w.client = client
	w.tmpl = newLoadTemplate(schema, c.location)
	w.stage = stage

	if err := w.ensureTable(ctx, c.createTable); err != nil {
		client.Close()
		w.client = nil
		return err
	}

	log.Infof("writing to %s in batches of %d (scratch: %q)", c.table, c.chunkSize, c.scratch)
	return nil
}

// ensureTable checks that the destination table exists. When it cannot be fetched it is created if
// allowCreate is set; otherwise the fetch error is returned.
func (w *gbqWriter) ensureTable(ctx context.Context, allowCreate bool) error {
	ref := w.cfg.table
	_, err := w.client.TableMetadata(ctx, ref)
	if err == nil {
		return nil
	}
	if !allowCreate {
		return fmt.Errorf("failed to get table %s: %w", ref, err)
	}

	log.Warningf("Error obtaining table metadata: %v", err)
	md := &bigquery.TableMetadata{
		Name:        ref.TableID,
		Description: "BigQuery load writer table",
		Schema:      w.tmpl.Schema,
	}
	if err := w.client.CreateTable(ctx, ref, md); err != nil {
		return fmt.Errorf("failed to create table %s: %w", ref, err)
	}
	log.Infof("created table %s", ref)
	return nil
}

// Persist stages the records as newline-delimited JSON, loads them into the table and waits for
// the load job. Rows the service rejects make the result a *writers.RejectedError.
func (w *gbqWriter) Persist(ctx context.Context, records []*writers.Record) (err error) {
	s, err := w.stage.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open scratch buffer: %w", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close scratch buffer: %w", cerr)
		}
	}()

	n, err := writeNDJSON(s, records)
	if err != nil {
		return err
	}

	log.V(2).Infof("submitting load job of %d rows to %s", n, w.cfg.table)
	job, err := s.Submit(ctx, w.client, w.cfg.table, w.tmpl)
	if err != nil {
		return fmt.Errorf("failed to submit load job to %s: %w", w.cfg.table, err)
	}

	if err := job.Wait(ctx); err != nil {
		if isValidationFailure(err) {
			return &writers.RejectedError{Err: err}
		}
		return fmt.Errorf("load job %q failed: %w", job.ID(), err)
	}

	log.Infof("load job %q appended %d rows to %s", job.ID(), n, w.cfg.table)
	return nil
}

func (w *gbqWriter) Close() error {
	if w.client == nil {
		return nil
	}
	return w.client.Close()
}

// writeNDJSON writes one JSON object per line for every record with a non-empty payload and
// returns how many lines it wrote. Non-ASCII text is written as UTF-8, not escaped.
func writeNDJSON(w io.Writer, records []*writers.Record) (int, error) {
	var line bytes.Buffer
	enc := json.NewEncoder(&line)
	enc.SetEscapeHTML(false)
	n := 0
	for _, r := range records {
		if len(r.Payload) == 0 {
			continue
		}
		line.Reset()
		if err := enc.Encode(r.Payload); err != nil {
			return n, fmt.Errorf("failed to serialize record %q: %w", r.UUID, err)
		}
		if _, err := w.Write(unescapeLineSeparators(line.Bytes())); err != nil {
			return n, fmt.Errorf("failed to stage record %q: %w", r.UUID, err)
		}
		n++
	}
	return n, nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes that encoding/json always emits back
// into literal UTF-8. Escapes preceded by an escaped backslash are left alone.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 == len(b) {
			out = append(out, b[i])
			continue
		}
		if esc := b[i+1:]; len(esc) >= 5 && esc[0] == 'u' && string(esc[1:4]) == "202" && (esc[4] == '8' || esc[4] == '9') {
			out = utf8.AppendRune(out, rune(0x2020+int(esc[4]-'0')))
			i += 5
			continue
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// isValidationFailure reports whether err means BigQuery refused the rows themselves, as opposed
// to a transport, auth or server failure.
func isValidationFailure(err error) bool {
	var bqErr *bigquery.Error
	if errors.As(err, &bqErr) {
		return bqErr.Reason == invalidReason
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusBadRequest
	}
	return false
}

type actualBQFactory struct {
}

func (bqf *actualBQFactory) Make(ctx context.Context, projectID string, opts ...option.ClientOption) (bq, error) {
	bqClient, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing bigquery client: %w", err)
	}
	return &actualBQ{client: bqClient}, nil
}

type actualBQ struct {
	client *bigquery.Client
}

func (b *actualBQ) table(ref tableRef) *bigquery.Table {
	return b.client.DatasetInProject(ref.ProjectID, ref.DatasetID).Table(ref.TableID)
}

func (b *actualBQ) TableMetadata(ctx context.Context, ref tableRef) (*bigquery.TableMetadata, error) {
	return b.table(ref).Metadata(ctx)
}

func (b *actualBQ) CreateTable(ctx context.Context, ref tableRef, md *bigquery.TableMetadata) error {
	return b.table(ref).Create(ctx, md)
}

func (b *actualBQ) LoadFromReader(ctx context.Context, ref tableRef, r io.Reader, tmpl *loadTemplate) (loadJob, error) {
	src := bigquery.NewReaderSource(r)
	src.FileConfig = tmpl.fileConfig()
	return b.run(ctx, ref, src, tmpl)
}

func (b *actualBQ) LoadFromGCS(ctx context.Context, ref tableRef, uri string, tmpl *loadTemplate) (loadJob, error) {
	src := bigquery.NewGCSReference(uri)
	src.FileConfig = tmpl.fileConfig()
	return b.run(ctx, ref, src, tmpl)
}

func (b *actualBQ) run(ctx context.Context, ref tableRef, src bigquery.LoadSource, tmpl *loadTemplate) (loadJob, error) {
	l := b.table(ref).LoaderFrom(src)
	l.WriteDisposition = tmpl.WriteDisposition
	l.Location = tmpl.Location
	job, err := l.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &actualJob{job}, nil
}

func (b *actualBQ) Close() error {
	return b.client.Close()
}

type actualJob struct {
	job *bigquery.Job
}

func (j *actualJob) ID() string {
	return j.job.ID()
}

func (j *actualJob) Wait(ctx context.Context) error {
	status, err := j.job.Wait(ctx)
	if err != nil {
		return err
	}
	// Wait only reports polling errors; the job's own failure is in its status.
	return status.Err()
}
