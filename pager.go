// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package bulkupload

import (
	"context"
	"iter"
	"time"
)

// DefaultPageSize is the number of actions submitted per bulk request when
// no page size is configured.
const DefaultPageSize = 5000

// maxPageCap bounds the capacity preallocated for a page. Larger pages grow
// as actions arrive, so a large page size over a short stream stays cheap.
const maxPageCap = 1024

// Segment is an element of a paginated action stream. It is either a page of
// actions or, when Actions is empty, a pace marker.
type Segment struct {
	Actions []Action
	Pace    time.Duration
}

// IsPace reports whether s is a pace marker.
func (s Segment) IsPace() bool {
	return len(s.Actions) == 0
}

// Paginate groups actions into pages of up to size actions, preserving
// arrival order. When pace is positive, a pace marker is emitted between
// consecutive pages; none follows the final page.
//
// Paginate reads at most one page ahead of its consumer: the next page is
// not built until the consumer has finished with the current one.
func Paginate(actions iter.Seq[Action], size int, pace time.Duration) iter.Seq[Segment] {
	if size <= 0 {
		size = DefaultPageSize
	}
	return func(yield func(Segment) bool) {
		var emitted bool
		page := make([]Action, 0, min(size, maxPageCap))
		emit := func() bool {
			if emitted && pace > 0 {
				if !yield(Segment{Pace: pace}) {
					return false
				}
			}
			emitted = true
			full := page
			page = make([]Action, 0, min(size, maxPageCap))
			return yield(Segment{Actions: full})
		}
		for action := range actions {
			page = append(page, action)
			if len(page) < size {
				continue
			}
			if !emit() {
				return
			}
		}
		if len(page) > 0 {
			emit()
		}
	}
}

// Wait blocks for d, or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
