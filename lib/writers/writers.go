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

// Package writers is the host side of a record ingestion pipeline. It buffers records, hands full
// batches to a destination Persister and runs the process that feeds it from Cloud PubSub or a file.
package writers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	smpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"cloud.google.com/go/storage"
	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

const (
	// DefaultChunkSize is the number of buffered records that triggers a persist when the config does not set one.
	DefaultChunkSize = 2000

	defaultHTTPPort = "8080"
	secretRef       = "secretRef"
	gcsPrefix       = "gs://"
)

// Flags.
var (
	smoketestFlag = flag.Bool("smoketest", false, "If true, Main will simply log the writer type and exit.")
	inputFlag     = flag.String("input", "", "If set, Main loads the newline-delimited JSON file at this path, flushes and exits instead of subscribing to PubSub.")
)

// Config is the common type for (YAML-based) configuration files for writers.
type Config struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   *Metadata `yaml:"metadata"`
	Spec       *Spec     `yaml:"spec"`
}

// Metadata is a KRD-compliant data container used for metadata references.
type Metadata struct {
	Name string `yaml:"name"`
}

// Spec is the data container for the fields that are relevant to the functionality of the writer.
type Spec struct {
	Writer  *WriterSpec `yaml:"writer"`
	Secrets []*Secret   `yaml:"secrets"`
}

// WriterSpec holds the batching policy shared by all writers and the destination-specific settings.
type WriterSpec struct {
	Filter      string                 `yaml:"filter"`
	ChunkSize   int                    `yaml:"chunkSize"`
	Destination map[string]interface{} `yaml:"destination"`
}

// Secret is a data container matching the local name of a secret to its GCP SecretManager resource name.
type Secret struct {
	LocalName    string `yaml:"name"`
	ResourceName string `yaml:"value"`
}

// Record is one unit of ingested data.
type Record struct {
	UUID    string
	Payload map[string]interface{}
}

// Persister is the interface type that destinations implement for usage with Main.
type Persister interface {
	SetUp(context.Context, *Config, SecretGetter, ObjectStore) error
	// Persist submits the given records to the destination. A *RejectedError result means the
	// destination refused the batch content; any other error is a delivery failure.
	Persist(context.Context, []*Record) error
	Close() error
}

// SecretGetter allows for fetching secrets from some key store.
type SecretGetter interface {
	GetSecret(context.Context, string) (string, error)
}

// ObjectStore reads, writes and deletes GCS objects.
type ObjectStore interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	Delete(ctx context.Context, bucket, object string) error
}

// Main is a function that can be called by `main()` functions in writer binaries.
func Main(p Persister) error {
	if !flag.Parsed() {
		flag.Parse()
	}

	if *smoketestFlag {
		log.V(0).Infof("writer smoketest: %T", p)
		return nil
	}

	ctx := context.Background()

	cfgPath, ok := GetEnv("CONFIG_PATH")
	if !ok {
		return errors.New("expected CONFIG_PATH to be non-empty")
	}

	sc, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create new GCS client: %w", err)
	}
	defer sc.Close()

	smc, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create new SecretManager client: %w", err)
	}
	defer smc.Close()

	st := &actualObjectStore{sc}
	cfg, err := getConfig(ctx, st, cfgPath)
	if err != nil {
		return fmt.Errorf("failed to get config from %q: %w", cfgPath, err)
	}
	log.V(2).Infof("got config from %q: %+v", cfgPath, cfg)

	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("got invalid config from path %q: %w", cfgPath, err)
	}

	var filter RecordFilter
	if f := cfg.Spec.Writer.Filter; f != "" {
		prd, err := MakeCELPredicate(f)
		if err != nil {
			return fmt.Errorf("failed to make a CEL predicate: %w", err)
		}
		filter = prd
	}

	if err := p.SetUp(ctx, cfg, &actualSecretManager{smc}, st); err != nil {
		return fmt.Errorf("failed to call SetUp on writer: %w", err)
	}

	bw := NewBatchWriter(p, filter, cfg.Spec.Writer.ChunkSize)
	defer func() {
		if err := bw.Close(ctx); err != nil {
			log.Errorf("failed to close writer: %v", err)
		}
	}()

	if *inputFlag != "" {
		return LoadFile(ctx, bw, *inputFlag)
	}

	projectID, ok := GetEnv("PROJECT_ID")
	if !ok {
		return errors.New("expected PROJECT_ID to be non-empty")
	}

	subscriberID, ok := GetEnv("SUBSCRIBER_ID")
	if !ok {
		return errors.New("expected SUBSCRIBER_ID to be non-empty")
	}

	psc, sub, err := NewSubscription(ctx, projectID, subscriberID)
	if err != nil {
		return fmt.Errorf("failed to create PubSub subscription: %w", err)
	}
	defer psc.Close()
	// Messages are held until the batch carrying them is persisted, so flow control must allow a full batch.
	if sub.ReceiveSettings.MaxOutstandingMessages < bw.ChunkSize() {
		sub.ReceiveSettings.MaxOutstandingMessages = bw.ChunkSize()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "Greetings from a record writer: %T! (Time: %s)", p, time.Now().String())
	})
	mux.Handle("/metrics", promhttp.Handler())

	var port string
	if pt, ok := GetEnv("PORT"); ok {
		port = pt
	} else {
		log.Warningf("PORT environment variable was not present, using %s instead", defaultHTTPPort)
		port = defaultHTTPPort
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.V(2).Infof("starting PubSub (%q) and HTTP handlers...", subscriberID)

	erg, ergctx := errgroup.WithContext(ctx)
	erg.Go(func() error {
		if err := sub.Receive(ergctx, NewReceiver(bw).Handle); err != nil {
			return fmt.Errorf("failed to receive from subscription %q: %w", subscriberID, err)
		}
		return errors.New("PubSub receiver stopped")
	})
	erg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	erg.Go(func() error {
		<-ergctx.Done()
		return srv.Shutdown(context.Background())
	})
	return erg.Wait()
}

// LoadFile writes every line of the newline-delimited JSON file at path as one record and flushes the writer.
func LoadFile(ctx context.Context, bw *BatchWriter, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input %q: %w", path, err)
	}
	defer f.Close()
	return load(ctx, bw, f)
}

func load(ctx context.Context, bw *BatchWriter, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		payload := map[string]interface{}{}
		if err := json.Unmarshal(sc.Bytes(), &payload); err != nil {
			return fmt.Errorf("failed to decode line %d: %w", line, err)
		}
		if err := bw.Write(ctx, &Record{UUID: uuid.NewString(), Payload: payload}); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	log.V(2).Infof("read %d lines of input", line)
	return bw.Flush(ctx)
}

type actualObjectStore struct {
	client *storage.Client
}

func (a *actualObjectStore) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return a.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (a *actualObjectStore) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := a.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	return w
}

func (a *actualObjectStore) Delete(ctx context.Context, bucket, object string) error {
	return a.client.Bucket(bucket).Object(object).Delete(ctx)
}

type actualSecretManager struct {
	client *secretmanager.Client
}

func (a *actualSecretManager) GetSecret(ctx context.Context, name string) (string, error) {
	res, err := a.client.AccessSecretVersion(ctx, &smpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to get secret named %q: %w", name, err)
	}

	return string(res.GetPayload().GetData()), nil
}

// SplitGCSPath splits a `gs://bucket/path/to/object` path into its bucket and object.
func SplitGCSPath(path string) (string, string, error) {
	trm := strings.TrimPrefix(path, gcsPrefix)
	if trm == path {
		return "", "", fmt.Errorf("expected %q to start with `gs://`", path)
	}

	split := strings.SplitN(trm, "/", 2)
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return "", "", fmt.Errorf("path has incorrect format (expected form: `gs://bucket/path/to/object`): %q", path)
	}
	return split[0], split[1], nil
}

// ReadFile returns the contents of a local file or, for `gs://` paths, of a GCS object.
func ReadFile(ctx context.Context, st ObjectStore, path string) ([]byte, error) {
	r, err := openFile(ctx, st, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	bs, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", path, err)
	}
	return bs, nil
}

func openFile(ctx context.Context, st ObjectStore, path string) (io.ReadCloser, error) {
	if !strings.HasPrefix(path, gcsPrefix) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %q: %w", path, err)
		}
		return f, nil
	}

	bucket, object, err := SplitGCSPath(path)
	if err != nil {
		return nil, err
	}
	r, err := st.NewReader(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("failed to get reader for (bucket=%q, object=%q): %w", bucket, object, err)
	}
	return r, nil
}

// getConfig fetches the YAML Config file from the given local or GCS path and returns the parsed Config.
func getConfig(ctx context.Context, st ObjectStore, path string) (*Config, error) {
	r, err := openFile(ctx, st, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	cfg := new(Config)
	dcd := yaml.NewDecoder(r)
	dcd.SetStrict(true)
	if err := dcd.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration from YAML at %q: %w", path, err)
	}

	return cfg, nil
}

// ValidateConfig checks the fields every writer depends on.
func ValidateConfig(cfg *Config) error {
	if !strings.HasPrefix(cfg.APIVersion, "bq-load-writer/") {
		return fmt.Errorf("expected config API version to start with `bq-load-writer/`, got %q", cfg.APIVersion)
	}
	if cfg.Spec == nil || cfg.Spec.Writer == nil {
		return errors.New("expected config to have a `spec.writer` section")
	}
	if cfg.Spec.Writer.ChunkSize < 0 {
		return fmt.Errorf("expected non-negative chunkSize, got %d", cfg.Spec.Writer.ChunkSize)
	}
	return nil
}

// GetEnv fetches, logs, and returns the given environment variable. The returned boolean is true iff the value is non-empty.
func GetEnv(name string) (string, bool) {
	val := os.Getenv(name)
	if val == "" {
		log.Warningf("env var %q is empty", name)
	} else {
		log.V(2).Infof("env var %q is %q", name, val)
	}
	return val, val != ""
}

// NewSubscription returns a Cloud PubSub subscription for the given project and subscriber IDs,
// along with the client backing it. The caller must close the client.
func NewSubscription(ctx context.Context, projectID, subscriberID string) (*pubsub.Client, *pubsub.Subscription, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}
	return client, client.Subscription(subscriberID), nil
}

// GetSecretRef is a helper function for getting a Secret's local reference name from the given config.
func GetSecretRef(config map[string]interface{}, fieldName string) (string, error) {
	field, ok := config[fieldName]
	if !ok {
		return "", fmt.Errorf("field name %q not present in writer config %v", fieldName, config)
	}
	m, ok := field.(map[interface{}]interface{})
	if !ok {
		return "", fmt.Errorf("expected secret field %q to be a map[interface{}]interface{} object", fieldName)
	}
	ref, ok := m[secretRef]
	if !ok {
		return "", fmt.Errorf("expected field %q to be of the form `secretRef: <some-ref>`", fieldName)
	}
	sRef, ok := ref.(string)
	if !ok {
		return "", fmt.Errorf("expected field %q of parent %q to have a string value", secretRef, fieldName)
	}

	return sRef, nil
}

// FindSecretResourceName is a helper function that returns the Secret's resource name that is associated with the given local reference name.
func FindSecretResourceName(secrets []*Secret, ref string) (string, error) {
	for _, s := range secrets {
		if s.LocalName == ref {
			return s.ResourceName, nil
		}
	}
	return "", fmt.Errorf("failed to find Secret with reference name %q in the given secret list", ref)
}
