package models

// JobResult is what a successful strategy run produced. It is stored on the
// job and applied to the document in the same transaction.
type JobResult struct {
	Strategy       string         `json:"strategy"`
	Text           string         `json:"text,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	Classification string         `json:"classification,omitempty"`
}

// JobFailure describes a failed attempt. Permanent failures skip the retry
// counter check and end the job immediately.
type JobFailure struct {
	Strategy  string
	Message   string
	Details   string
	Permanent bool
}
