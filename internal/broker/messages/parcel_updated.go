package messages

import "time"

// ParcelUpdated публикуется после успешной сверки посылки.
type ParcelUpdated struct {
	ParcelID       uint64    `json:"parcel_id"`
	CarrierID      string    `json:"carrier_id"`
	TrackingNumber string    `json:"tracking_number"`
	CheckedAt      time.Time `json:"checked_at"`

	Status     string `json:"status"`
	StatusText string `json:"status_text"`
	IsActive   bool   `json:"is_active"`

	Events []ParcelEvent `json:"events,omitempty"`
}

type ParcelEvent struct {
	Status     string    `json:"status"`
	StatusText string    `json:"status_text"`
	EventTime  time.Time `json:"event_time"`
	Location   *string   `json:"location,omitempty"`
}

// InboundEmail приходит из почтового шлюза: тема и тело письма, из которых
// адаптеры пытаются вытащить трек-номер.
type InboundEmail struct {
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}
