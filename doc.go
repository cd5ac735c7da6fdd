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

// Package bulkupload provides a streaming bulk upload pipeline for
// (re)indexing large corpora into Elasticsearch.
//
// Records are pulled lazily from a Store, encoded as index actions, grouped
// into fixed-size pages and submitted one bulk request per page. Per-document
// failures are collected rather than aborting the upload, so a single bad
// document never prevents the rest of a corpus from being indexed.
//
// Pages are submitted strictly sequentially. At most one page of actions is
// held in memory at any time, which keeps memory usage bounded regardless of
// the size of the source.
package bulkupload
