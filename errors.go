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
	"fmt"
	"math"
	"strings"
)

// ErrorList accumulates failures across all pages and sources of an upload.
//
// Failures collected from the most recent page come first. Within a page,
// failures follow the order in which records were read from the source:
// records which could not be encoded are placed among the rejected items of
// the page they were read for.
type ErrorList []error

// ItemError describes a document rejected by Elasticsearch.
type ItemError struct {
	Index      string
	DocumentID string
	Position   int
	Status     int
	Type       string
	Reason     string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("failed to index document %q in '%s' (%d %s): %s",
		e.DocumentID, e.Index, e.Status, e.Type, e.Reason,
	)
}

// Collect folds the outcome of a page submission into errs and returns the
// updated list.
//
// A non-nil err is recorded as a single entry. Otherwise, when res reports
// errors, one *ItemError is recorded for every rejected item. New entries are
// placed ahead of the existing ones.
func Collect(res SubmissionResult, err error, errs ErrorList) ErrorList {
	if err != nil {
		return prepend(errs, err)
	}
	if !res.HasErrors {
		return errs
	}
	var failed []error
	for _, item := range res.Items {
		if item.Error == nil {
			continue
		}
		failed = append(failed, &ItemError{
			Index:      item.Index,
			DocumentID: item.DocumentID,
			Position:   item.Position,
			Status:     item.Status,
			Type:       item.Error.Type,
			Reason:     item.Error.Reason,
		})
	}
	return prepend(errs, failed...)
}

func prepend(errs ErrorList, failed ...error) ErrorList {
	if len(failed) == 0 {
		return errs
	}
	out := make(ErrorList, 0, len(failed)+len(errs))
	out = append(out, failed...)
	return append(out, errs...)
}

// pageFailures buffers the encoding failures raised while a page is built,
// so they are collected together with the outcome of that page.
type pageFailures struct {
	// offset holds the number of actions in previously collected pages.
	offset  int
	pending []pendingFailure
}

type pendingFailure struct {
	// at holds the number of actions read from the source before the
	// failing record.
	at  int
	err error
}

func (p *pageFailures) add(at int, err error) {
	p.pending = append(p.pending, pendingFailure{at: at, err: err})
}

// collect folds the outcome of a page of n actions, along with the pending
// encoding failures, into errs.
func (p *pageFailures) collect(res SubmissionResult, err error, n int, errs ErrorList) ErrorList {
	page := Collect(res, err, nil)
	merged := make([]error, 0, len(page)+len(p.pending))
	var i int
	for _, failure := range page {
		// Request errors cover the whole page and come last.
		at := math.MaxInt
		if item, ok := failure.(*ItemError); ok {
			at = p.offset + item.Position
		}
		for ; i < len(p.pending) && p.pending[i].at <= at; i++ {
			merged = append(merged, p.pending[i].err)
		}
		merged = append(merged, failure)
	}
	for ; i < len(p.pending); i++ {
		merged = append(merged, p.pending[i].err)
	}
	p.pending = p.pending[:0]
	p.offset += n
	return prepend(errs, merged...)
}

// flush collects the failures of records read after the last page.
func (p *pageFailures) flush(errs ErrorList) ErrorList {
	return p.collect(SubmissionResult{}, nil, 0, errs)
}

// UploadError is returned by Upload when it did not complete cleanly.
type UploadError struct {
	// Index holds the target index of the upload.
	Index string

	// Failures holds every failure collected during the upload.
	Failures ErrorList

	// Err holds the error that stopped the upload early, such as a failed
	// source transaction. It is nil when the upload visited every source.
	Err error
}

func (e *UploadError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "upload to '%s' failed", e.Index)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if n := len(e.Failures); n > 0 {
		fmt.Fprintf(&sb, " (%d failures, most recent: %v)", n, e.Failures[0])
	}
	return sb.String()
}

func (e *UploadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return append(errs, e.Failures...)
}

