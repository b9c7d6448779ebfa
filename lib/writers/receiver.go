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
	"encoding/json"
	"sync"

	"cloud.google.com/go/pubsub"
	log "github.com/golang/glog"
)

// acker is the part of a PubSub message the Receiver settles.
type acker interface {
	Ack()
	Nack()
}

// Receiver feeds PubSub messages into a BatchWriter. Each message is acked once the batch that
// carried it has been persisted or rejected, and nacked when persisting it failed.
type Receiver struct {
	mu      sync.Mutex
	bw      *BatchWriter
	pending []acker
}

// NewReceiver returns a Receiver writing to bw.
func NewReceiver(bw *BatchWriter) *Receiver {
	return &Receiver{bw: bw}
}

// Handle is a PubSub receiving function.
func (r *Receiver) Handle(ctx context.Context, msg *pubsub.Message) {
	log.V(2).Infof("got PubSub message with ID: %q", msg.ID)
	r.receive(ctx, msg.ID, msg.Data, msg)
}

func (r *Receiver) receive(ctx context.Context, id string, data []byte, m acker) {
	payload := map[string]interface{}{}
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Errorf("failed to unmarshal PubSub message %q into a record, dropping it: %v", id, err)
		messagesMalformed.Inc()
		m.Ack()
		return
	}

	rec := &Record{UUID: id, Payload: payload}
	// Only buffered records may hold their message back, or the flow control window fills up
	// with messages that no batch will ever settle.
	if !r.bw.Accepts(ctx, rec) {
		m.Ack()
		return
	}

	// BatchWriter is not safe for concurrent use, and Receive calls us from many goroutines.
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, m)
	if err := r.bw.add(ctx, rec); err != nil {
		log.Errorf("failed to write record %q: %v", id, err)
		// PubSub redelivers everything we nack, so the buffered copies must go.
		r.bw.Discard()
		r.settle(acker.Nack)
		return
	}

	if r.bw.Unpersisted() == 0 {
		r.settle(acker.Ack)
	}
}

func (r *Receiver) settle(fn func(acker)) {
	log.V(2).Infof("settling %d PubSub messages", len(r.pending))
	for _, m := range r.pending {
		fn(m)
	}
	r.pending = nil
}
