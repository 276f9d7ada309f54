package domain

import "time"

type NotificationEvent string

const (
	EventRequestOpen       NotificationEvent = "REQUEST_OPEN"
	EventValidatorSelected NotificationEvent = "VALIDATOR_SELECTED"
)

// Subscription registers a validator callback for open requests of the given models.
type Subscription struct {
	ID                 string       `json:"id"`
	Validator          Address      `json:"validator"`
	CallbackURL        string       `json:"callbackUrl"`
	Models             []TrustModel `json:"models"`
	DeliveryMode       string       `json:"deliveryMode"`
	GroupID            string       `json:"groupId,omitempty"`
	MinIntervalSeconds int          `json:"minIntervalSeconds"`
	ExpiresAt          time.Time    `json:"expiresAt"`
	CreatedAt          time.Time    `json:"createdAt"`
}

type ProtocolStats struct {
	Model   TrustModel `json:"model"`
	Pending int64      `json:"pending"`
	Overdue int64      `json:"overdue"`
}
