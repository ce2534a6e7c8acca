package models

import (
	"fmt"
	"time"
)

// ParcelStatus — нормализованный статус, общий для всех перевозчиков.
type ParcelStatus string

const (
	StatusUnknown        ParcelStatus = "unknown"
	StatusPending        ParcelStatus = "pending"
	StatusReceived       ParcelStatus = "received"
	StatusInTransit      ParcelStatus = "in_transit"
	StatusOutForDelivery ParcelStatus = "out_for_delivery"
	StatusDelivered      ParcelStatus = "delivered"
	StatusFailedAttempt  ParcelStatus = "failed_attempt"
	StatusHeld           ParcelStatus = "held"
	StatusReturned       ParcelStatus = "returned"
	StatusException      ParcelStatus = "exception"
)

var allStatuses = map[ParcelStatus]struct{}{
	StatusUnknown:        {},
	StatusPending:        {},
	StatusReceived:       {},
	StatusInTransit:      {},
	StatusOutForDelivery: {},
	StatusDelivered:      {},
	StatusFailedAttempt:  {},
	StatusHeld:           {},
	StatusReturned:       {},
	StatusException:      {},
}

// ParseStatus проверяет, что строка входит в закрытое множество статусов.
func ParseStatus(s string) (ParcelStatus, error) {
	st := ParcelStatus(s)
	if _, ok := allStatuses[st]; !ok {
		return StatusUnknown, fmt.Errorf("unknown parcel status %q", s)
	}
	return st, nil
}

type Carrier struct {
	ID        string
	Name      string
	Website   string
	Enabled   bool
	CreatedAt time.Time
}

type Parcel struct {
	ID             uint64
	TrackingNumber string
	CarrierID      string

	Description *string
	Sender      *string

	Status           ParcelStatus
	LastStatusText   string
	ExpectedDelivery *time.Time

	IsActive    bool
	LastChecked *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type TrackingEvent struct {
	ID       uint64
	ParcelID uint64

	Status     ParcelStatus
	StatusText string
	Location   *string
	EventTime  time.Time

	CreatedAt time.Time
}

type ParcelCreateInput struct {
	TrackingNumber string
	CarrierID      string
	Description    *string
	Sender         *string
}
