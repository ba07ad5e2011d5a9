// Package uplink delivers relayed messages to remote ingestion endpoints.
package uplink

import (
	"encoding/json"
	"fmt"

	"resqmesh/mesh"
	"resqmesh/models"
)

// NewReport converts a message into the uplink wire shape. deviceID names the device doing
// the upload, which differs from the origin for relayed messages.
func NewReport(deviceID string, message mesh.Message) models.Report {
	return models.Report{
		DeviceID:     deviceID,
		OriginID:     message.OriginID,
		Key:          message.Key,
		Latitude:     message.Payload.Latitude,
		Longitude:    message.Payload.Longitude,
		FixTimestamp: message.Payload.FixTimestamp,
		CreatedAt:    message.Payload.CreatedAt,
		Text:         message.Payload.Text,
		Hops:         message.Hops,
	}
}

func encodeReport(deviceID string, message mesh.Message) ([]byte, error) {
	payload, err := json.Marshal(NewReport(deviceID, message))
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return payload, nil
}
