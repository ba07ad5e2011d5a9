package models

// Report is the uplink representation of one relayed message.
type Report struct {
	DeviceID     string  `json:"device_id"`
	OriginID     string  `json:"origin_id"`
	Key          string  `json:"key"`
	Latitude     float64 `json:"lat"`
	Longitude    float64 `json:"lon"`
	FixTimestamp int64   `json:"fix_timestamp"`
	CreatedAt    int64   `json:"created_at"`
	Text         string  `json:"text,omitempty"`
	Hops         int     `json:"hops"`
}
