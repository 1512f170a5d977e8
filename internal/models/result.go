package models

// QueryResult is the identification outcome for one query vector.
type QueryResult struct {
	// Label is the best match's label, or "unknown" when the index is empty.
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
	// DecidedLabel is Label when Similarity >= threshold, otherwise "unknown".
	DecidedLabel string       `json:"decided_label"`
	RecordID     string       `json:"record_id,omitempty"`
	Candidates   []*Candidate `json:"candidates,omitempty"`
}

// Matched reports whether the result cleared the threshold.
func (r *QueryResult) Matched() bool {
	return r.DecidedLabel != UnknownLabel
}

// Candidate is one of the top-k neighbours of a query vector.
type Candidate struct {
	RecordID   string  `json:"record_id"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
}

// IdentifyResponse is the response for an identification request.
type IdentifyResponse struct {
	Source    string         `json:"source,omitempty"`
	Threshold float64        `json:"threshold"`
	Results   []*QueryResult `json:"results"`
	QueryTime int64          `json:"query_time_ms"`
}

// IngestItem is one source (an uploaded file, a bulk-load object) and the vectors extracted from it.
type IngestItem struct {
	SourceName string      `json:"source_name"`
	Vectors    [][]float32 `json:"vectors"`
}

// ItemFailure records why one ingestion item was rejected.
type ItemFailure struct {
	SourceName string `json:"source_name"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
}

// IngestReport aggregates the outcome of a batch. Succeeded counts stored records.
type IngestReport struct {
	Succeeded      int            `json:"succeeded"`
	ItemsSucceeded int            `json:"items_succeeded"`
	Failed         []*ItemFailure `json:"failed"`
	// Empty lists sources that yielded no vectors (e.g. an image without faces).
	Empty     []string `json:"empty,omitempty"`
	RecordIDs []string `json:"record_ids,omitempty"`
}

// NewIngestReport returns a report with non-nil slices so it encodes as [] rather than null.
func NewIngestReport() *IngestReport {
	return &IngestReport{Failed: []*ItemFailure{}}
}

// Fail records a per-item failure.
func (r *IngestReport) Fail(sourceName string, err error) {
	r.Failed = append(r.Failed, &ItemFailure{
		SourceName: sourceName,
		Reason:     Reason(err),
		Message:    err.Error(),
	})
}

// Merge folds another report into r.
func (r *IngestReport) Merge(other *IngestReport) {
	if other == nil {
		return
	}
	r.Succeeded += other.Succeeded
	r.ItemsSucceeded += other.ItemsSucceeded
	r.Failed = append(r.Failed, other.Failed...)
	r.Empty = append(r.Empty, other.Empty...)
	r.RecordIDs = append(r.RecordIDs, other.RecordIDs...)
}

// StatusResponse describes the running service.
type StatusResponse struct {
	Records        int64   `json:"records"`
	IndexSize      int     `json:"index_size"`
	IndexType      string  `json:"index_type"`
	Dimensions     int     `json:"dimensions"`
	Threshold      float64 `json:"threshold"`
	Labels         int     `json:"labels"`
	StoreBackend   string  `json:"store_backend"`
	DiskUsageBytes int64   `json:"disk_usage_bytes"`
	Extractor      string  `json:"extractor"`
}
