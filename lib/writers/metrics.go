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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "bq_load_writer"

	outcomeSuccess  = "success"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

var (
	persists = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "persists_total",
		Help:      "The total number of persisted batches, by outcome.",
	}, []string{"outcome"})

	persistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "persist_duration_seconds",
		Help:      "Time spent persisting one batch, including the wait for the load job.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	recordsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "records_persisted_total",
		Help:      "The total number of records in accepted batches.",
	})

	recordsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "records_rejected_total",
		Help:      "The total number of records dropped because the destination rejected their batch.",
	})

	recordsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "records_filtered_total",
		Help:      "The total number of records skipped by the record filter.",
	})

	messagesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_malformed_total",
		Help:      "The total number of PubSub messages dropped because they were not a JSON object.",
	})
)
