// Package mailintake превращает письма магазинов в отслеживаемые посылки:
// сообщение из Kafka прогоняется через ParseEmail всех адаптеров, найденный
// номер регистрируется и сразу обновляется.
package mailintake

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/ParcelBox/internal/broker/messages"
	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/models"
	"github.com/BearBump/ParcelBox/internal/services/tracker"
	"github.com/pkg/errors"
)

type Tracker interface {
	AddParcel(ctx context.Context, trackingNumber, carrierID string, description, sender *string) (*models.Parcel, error)
	RefreshParcel(ctx context.Context, p *models.Parcel) carriers.TrackingResult
}

type Registry interface {
	Get(id string) (carriers.Carrier, bool)
	List() []carriers.Config
}

type Service struct {
	tracker  Tracker
	registry Registry
}

func New(t Tracker, r Registry) *Service {
	return &Service{tracker: t, registry: r}
}

// Handle разбирает одно входящее письмо. Письма без номера и дубли — штатные
// случаи, сообщение при них считается обработанным; ошибку возвращаем только
// когда повтор имеет смысл.
func (s *Service) Handle(ctx context.Context, _, value []byte) error {
	var email messages.InboundEmail
	if err := json.Unmarshal(value, &email); err != nil {
		slog.Warn("malformed inbound email message, dropping", "error", err.Error())
		return nil
	}

	carrierID, trackingNumber, ok := s.extract(email)
	if !ok {
		slog.Debug("no tracking number found in email", "subject", email.Subject)
		return nil
	}

	p, err := s.tracker.AddParcel(ctx, trackingNumber, carrierID, nil, nil)
	switch {
	case errors.Is(err, tracker.ErrDuplicateParcel):
		slog.Info("parcel from email already tracked",
			"carrier", carrierID, "tracking_number", trackingNumber)
		return nil
	case errors.Is(err, tracker.ErrUnknownCarrier):
		slog.Warn("email matched carrier that is not registered", "carrier", carrierID)
		return nil
	case err != nil:
		return errors.Wrap(err, "add parcel from email")
	}

	slog.Info("parcel registered from email",
		"parcel_id", p.ID, "carrier", carrierID, "tracking_number", trackingNumber)

	if res := s.tracker.RefreshParcel(ctx, p); !res.Success {
		// Первый fetch может не пройти (номер ещё не в системе перевозчика),
		// воркер доберёт посылку на следующем цикле.
		slog.Warn("initial refresh failed", "parcel_id", p.ID, "error", res.Error)
	}
	return nil
}

// extract опрашивает адаптеры в порядке загрузки, первый распознавший
// письмо выигрывает.
func (s *Service) extract(email messages.InboundEmail) (carrierID, trackingNumber string, ok bool) {
	for _, cfg := range s.registry.List() {
		adapter, found := s.registry.Get(cfg.ID)
		if !found {
			continue
		}
		if tn, matched := adapter.ParseEmail(email.Body, email.Subject); matched {
			return cfg.ID, tn, true
		}
	}
	return "", "", false
}
