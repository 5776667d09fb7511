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

package api

import (
	"sync"

	"github.com/dubplane/dubplane/common"
)

const subscriberBuffer = 16

// EventHub fans job progress events out to SSE subscribers. It implements
// the executor's Notifier. A slow subscriber drops events rather than
// blocking the worker; the terminal event is what matters and the client
// can always GET the job record.
type EventHub struct {
	mu   sync.Mutex
	subs map[string]map[chan common.ProgressEvent]struct{} // job id → subscribers
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]map[chan common.ProgressEvent]struct{})}
}

// Publish delivers the event to every subscriber of its job.
func (h *EventHub) Publish(event common.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[event.JobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a channel for one job's events. The returned cancel
// func must be called when the stream ends.
func (h *EventHub) Subscribe(jobID string) (<-chan common.ProgressEvent, func()) {
	ch := make(chan common.ProgressEvent, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[chan common.ProgressEvent]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[jobID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}
