// Package royalmail ходит в Royal Mail Tracking API v2.
// Требует креды из Developer Portal (developer.royalmail.net):
// ROYAL_MAIL_CLIENT_ID и ROYAL_MAIL_CLIENT_SECRET.
package royalmail

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
)

const defaultBaseURL = "https://api.royalmail.net/mailpieces/v2"

type Credentials struct {
	ClientID     string `env:"ROYAL_MAIL_CLIENT_ID"`
	ClientSecret string `env:"ROYAL_MAIL_CLIENT_SECRET"`
}

func (c Credentials) configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type Adapter struct {
	*carriers.Base
	baseURL string
	creds   Credentials
	httpc   *http.Client
}

func New(cfg carriers.Config) (carriers.Carrier, error) {
	var creds Credentials
	if err := envconfig.Process(context.Background(), &creds); err != nil {
		return nil, errors.Wrap(err, "royal mail credentials")
	}
	return &Adapter{
		Base:    carriers.NewBase(cfg),
		baseURL: defaultBaseURL,
		creds:   creds,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type apiResponse struct {
	MailPieces []struct {
		Summary struct {
			StatusDescription string `json:"statusDescription"`
			EstimatedDelivery struct {
				Date string `json:"date"`
			} `json:"estimatedDelivery"`
		} `json:"summary"`
		Events []struct {
			EventName     string `json:"eventName"`
			EventDateTime string `json:"eventDateTime"`
			LocationName  string `json:"locationName"`
		} `json:"events"`
	} `json:"mailPieces"`
}

func (a *Adapter) FetchStatus(ctx context.Context, trackingNumber string) carriers.TrackingResult {
	trackingNumber = strings.ToUpper(strings.TrimSpace(trackingNumber))

	// Без кредов даже не пытаемся звать API: это не ошибка сети, а конфигурации.
	if !a.creds.configured() {
		return carriers.Failf("royal mail API credentials not configured: set ROYAL_MAIL_CLIENT_ID and ROYAL_MAIL_CLIENT_SECRET (get them at https://developer.royalmail.net/)")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/"+trackingNumber+"/events", nil)
	if err != nil {
		return carriers.Failf("royal mail: build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-IBM-Client-Id", a.creds.ClientID)
	req.Header.Set("X-IBM-Client-Secret", a.creds.ClientSecret)
	req.Header.Set("X-Accept-RMG-Terms", "yes")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return carriers.Failf("royal mail: request failed: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return carriers.Failf("royal mail: malformed response: %v", err)
		}
		return a.parseResponse(body)
	case http.StatusNotFound:
		return carriers.Failf("tracking number not found")
	case http.StatusUnauthorized:
		return carriers.Failf("invalid API credentials: check ROYAL_MAIL_CLIENT_ID and ROYAL_MAIL_CLIENT_SECRET")
	case http.StatusTooManyRequests:
		return carriers.Failf("rate limit exceeded, try again later")
	default:
		return carriers.Failf("royal mail API error: %d - %s", resp.StatusCode, truncatedBody(resp.Body))
	}
}

func (a *Adapter) parseResponse(body apiResponse) carriers.TrackingResult {
	if len(body.MailPieces) == 0 {
		return carriers.Failf("no tracking data found")
	}
	mp := body.MailPieces[0]

	statusText := mp.Summary.StatusDescription
	if statusText == "" {
		statusText = "Unknown"
	}

	events := make([]carriers.Event, 0, len(mp.Events))
	for _, ev := range mp.Events {
		ts := time.Now().UTC()
		if ev.EventDateTime != "" {
			if t, err := time.Parse(time.RFC3339, ev.EventDateTime); err == nil {
				ts = t.UTC()
			}
		}
		var loc *string
		if ev.LocationName != "" {
			l := ev.LocationName
			loc = &l
		}
		events = append(events, carriers.Event{
			StatusText: ev.EventName,
			Location:   loc,
			Time:       ts,
		})
	}

	if !carriers.HasStatusOrEvents(statusText, events) {
		return carriers.Failf("royal mail: response carried no status or events")
	}

	res := carriers.TrackingResult{
		Success:    true,
		Status:     a.NormaliseStatus(statusText),
		StatusText: statusText,
		Events:     events,
	}
	if len(events) > 0 {
		res.Location = events[0].Location
		ts := events[0].Time
		res.StatusAt = &ts
	}
	if d := mp.Summary.EstimatedDelivery.Date; d != "" {
		if t, err := time.Parse("2006-01-02", d); err == nil {
			tu := t.UTC()
			res.ExpectedDelivery = &tu
		}
	}
	return res
}

func truncatedBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 200))
	return string(b)
}

var emailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Z]{2}[0-9]{9}GB`), // международный формат, напр. XQ779509088GB
	regexp.MustCompile(`[A-Z]{2}[0-9]{9}[A-Z]{2}`),
	regexp.MustCompile(`[0-9]{16,20}`),
}

// ParseEmail принимает только письма, где упоминается Royal Mail.
func (a *Adapter) ParseEmail(body, subject string) (string, bool) {
	combined := strings.ToLower(subject + " " + body)
	if !strings.Contains(combined, "royal mail") {
		return "", false
	}
	upper := strings.ToUpper(body)
	for _, p := range emailPatterns {
		if m := p.FindString(upper); m != "" {
			return m, true
		}
	}
	return "", false
}
