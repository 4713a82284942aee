package usage

// AggregatedStats summarizes traffic over a time window.
type AggregatedStats struct {
	TotalRequests  int64 `json:"total_requests"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
	TotalTokens    int64 `json:"total_tokens"`
	EstimatedCount int64 `json:"estimated_count"`
}

// DailyStats aggregates one day of traffic.
type DailyStats struct {
	Day      string `json:"day"` // "2006-01-02"
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// HourlyStats aggregates one hour-of-day bucket.
type HourlyStats struct {
	Hour     int   `json:"hour"` // 0-23
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// ModelStats aggregates traffic for one requested model.
type ModelStats struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	SuccessCount     int64  `json:"success_count"`
	FailureCount     int64  `json:"failure_count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// CredentialStats aggregates traffic for one (redacted) credential.
type CredentialStats struct {
	Credential   string `json:"credential"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	TotalTokens  int64  `json:"total_tokens"`
}
