package models

// Fix is one location sample.
type Fix struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	// Timestamp is the fix time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}
