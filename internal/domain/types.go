// Package domain holds the value types shared between the workflow and its providers.
package domain

// VideoInfo identifies a resolved video.
type VideoInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// SummaryOptions bounds the requested summary size. The bounds are hints passed
// through to the provider, never validated against the input length.
type SummaryOptions struct {
	MinLength     int  `json:"min_length"`
	MaxLength     int  `json:"max_length"`
	Deterministic bool `json:"deterministic"`
}
