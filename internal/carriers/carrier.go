package carriers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/ParcelBox/internal/models"
)

// Event — сырое событие из ответа перевозчика (до нормализации).
type Event struct {
	StatusText string
	Location   *string
	Time       time.Time
}

// TrackingResult — результат одной попытки запроса к перевозчику.
// Никогда не сохраняется напрямую: это контракт адаптера перед движком сверки.
type TrackingResult struct {
	Success bool

	Status           models.ParcelStatus
	StatusText       string
	Location         *string
	StatusAt         *time.Time
	ExpectedDelivery *time.Time
	Events           []Event

	Error string
}

// Carrier — адаптер одного перевозчика. Все ошибки fetch конвертируются в
// TrackingResult{Success:false}, наружу не летит ничего сырого.
type Carrier interface {
	Config() Config
	FetchStatus(ctx context.Context, trackingNumber string) TrackingResult
	TrackingURL(trackingNumber string) string
	MatchesTrackingNumber(trackingNumber string) bool
	NormaliseStatus(text string) models.ParcelStatus
	ParseEmail(body, subject string) (string, bool)
}

func Failf(format string, args ...any) TrackingResult {
	return TrackingResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// HasStatusOrEvents: успешный результат обязан нести либо осмысленный статус,
// либо хотя бы одно событие. Пустой/Unknown статус без событий = parse failure.
func HasStatusOrEvents(statusText string, events []Event) bool {
	st := strings.TrimSpace(statusText)
	if len(events) > 0 {
		return true
	}
	return st != "" && !strings.EqualFold(st, "unknown")
}
