// Copyright 2026 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package observability

// Standard span names for consistency across Quarry.
// Use these constants instead of hardcoding strings.
const (
	// Fetcher spans
	SpanFetcherCascade = "fetcher.cascade"
	SpanFetcherTier    = "fetcher.tier.attempt"

	// Batch spans
	SpanBatchBrowse = "batch.browse"
	SpanBatchTask   = "batch.task"

	// Store spans
	SpanLearningRecord = "learning.record"
	SpanHealthRecord   = "health.record"
	SpanChangesCheck   = "changes.check"
)

// Standard attribute keys.
const (
	// Fetch attributes
	AttrFetchURL       = "fetch.url"
	AttrFetchDomain    = "fetch.domain"
	AttrFetchTier      = "fetch.tier"
	AttrFetchFinalTier = "fetch.final_tier"
	AttrFetchFellBack  = "fetch.fell_back"
	AttrFetchDuration  = "fetch.duration_ms"

	// Batch attributes
	AttrBatchSize        = "batch.size"
	AttrBatchConcurrency = "batch.concurrency"
	AttrBatchIndex       = "batch.index"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)
