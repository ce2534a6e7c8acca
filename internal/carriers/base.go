package carriers

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/BearBump/ParcelBox/internal/models"
)

type compiledPattern struct {
	full        *regexp.Regexp // заанкоренный, для матча всего номера
	search      *regexp.Regexp // сырой, для поиска в тексте письма
	description string
}

// Base — общее поведение всех адаптеров: матчер номеров, построение URL,
// нормализация статусов, дефолтный разбор писем. Варианты адаптеров
// встраивают Base и добавляют только свой FetchStatus.
type Base struct {
	cfg      Config
	patterns []compiledPattern
}

func NewBase(cfg Config) *Base {
	b := &Base{cfg: cfg}
	for _, p := range cfg.TrackingPatterns {
		search, err := regexp.Compile(p.Regex)
		if err != nil {
			// Кривой паттерн пропускаем, конструирование адаптера не валим.
			slog.Warn("invalid tracking pattern", "carrier", cfg.ID, "regex", p.Regex, "error", err.Error())
			continue
		}
		full, err := regexp.Compile("^(?:" + p.Regex + ")$")
		if err != nil {
			slog.Warn("invalid tracking pattern", "carrier", cfg.ID, "regex", p.Regex, "error", err.Error())
			continue
		}
		b.patterns = append(b.patterns, compiledPattern{full: full, search: search, description: p.Description})
	}
	return b
}

func (b *Base) Config() Config { return b.cfg }

func (b *Base) MatchesTrackingNumber(trackingNumber string) bool {
	normalised := strings.ToUpper(strings.TrimSpace(trackingNumber))
	for _, p := range b.patterns {
		if p.full.MatchString(normalised) {
			return true
		}
	}
	return false
}

func (b *Base) TrackingURL(trackingNumber string) string {
	return strings.ReplaceAll(b.cfg.TrackingURLTemplate, "{tracking_number}", trackingNumber)
}

// Ключевые слова фолбэка. Порядок значим: статусы делят слова между собой
// ("failed to deliver, returning to depot" должен попасть в failed_attempt).
var fallbackRules = []struct {
	words  []string
	status models.ParcelStatus
}{
	{[]string{"delivered", "signed"}, models.StatusDelivered},
	{[]string{"out for delivery", "with driver"}, models.StatusOutForDelivery},
	{[]string{"transit", "on way", "hub"}, models.StatusInTransit},
	{[]string{"received", "collected", "picked up"}, models.StatusReceived},
	{[]string{"attempt", "failed", "unable"}, models.StatusFailedAttempt},
	{[]string{"held", "customs", "waiting"}, models.StatusHeld},
	{[]string{"return", "sender"}, models.StatusReturned},
}

// NormaliseStatus: сначала сконфигурированный маппинг (в порядке объявления,
// первое вхождение подстроки выигрывает), затем встроенные эвристики.
func (b *Base) NormaliseStatus(text string) models.ParcelStatus {
	lower := strings.ToLower(strings.TrimSpace(text))

	for _, entry := range b.cfg.StatusMapping {
		if !strings.Contains(lower, strings.ToLower(entry.Text)) {
			continue
		}
		st, err := models.ParseStatus(entry.Status)
		if err != nil {
			// Непарсящееся значение не фатально, идём к следующей записи.
			continue
		}
		return st
	}

	for _, rule := range fallbackRules {
		for _, w := range rule.words {
			if strings.Contains(lower, w) {
				return rule.status
			}
		}
	}
	return models.StatusUnknown
}

// ParseEmail — дефолтная стратегия: ищем в теле письма первый фрагмент,
// похожий на трек-номер этого перевозчика.
func (b *Base) ParseEmail(body, _ string) (string, bool) {
	for _, p := range b.patterns {
		if m := p.search.FindString(body); m != "" {
			return m, true
		}
	}
	return "", false
}
