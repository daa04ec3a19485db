package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AlertNotification is the message format for alert notifications
type AlertNotification struct {
	NotificationID string    `json:"notification_id"`
	Type           string    `json:"type"` // ALERT_CREATED, ALERT_RESOLVED
	AlertID        int64     `json:"alert_id"`
	VehicleID      int64     `json:"vehicle_id"`
	TripID         *int64    `json:"trip_id,omitempty"`
	AlertType      string    `json:"alert_type"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	Speed          *float64  `json:"speed,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

const (
	AlertCreated  = "ALERT_CREATED"
	AlertResolved = "ALERT_RESOLVED"
)

// EncodeAlertNotification encodes an AlertNotification to JSON, assigning a
// notification id when the caller left it empty.
func EncodeAlertNotification(n *AlertNotification) ([]byte, error) {
	if n.NotificationID == "" {
		n.NotificationID = uuid.NewString()
	}
	return json.Marshal(n)
}

// DecodeAlertNotification decodes JSON to AlertNotification
func DecodeAlertNotification(data []byte) (*AlertNotification, error) {
	var n AlertNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
