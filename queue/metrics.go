// Copyright © 2024 Dubplane <dev@dubplane.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dubplane",
		Subsystem: "queue",
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted into the queue.",
	}, []string{"mode"})

	metricJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dubplane",
		Subsystem: "queue",
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal state.",
	}, []string{"state"})

	metricJobsDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dubplane",
		Subsystem: "queue",
		Name:      "jobs_deferred_total",
		Help:      "Dispatch denials moved to the delayed set.",
	})

	metricJobsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dubplane",
		Subsystem: "queue",
		Name:      "jobs_dead_lettered_total",
		Help:      "Jobs pushed to the dead-letter queue.",
	})

	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dubplane",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Jobs per queue bucket, sampled by the backend loops.",
	}, []string{"bucket"})

	metricClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dubplane",
		Subsystem: "queue",
		Name:      "claim_latency_seconds",
		Help:      "Round-trip time of the claim transaction.",
		Buckets:   prometheus.DefBuckets,
	})
)
