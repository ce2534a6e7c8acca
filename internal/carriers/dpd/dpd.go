// Package dpd скрейпит страницу трекинга DPD UK. Структура страницы может
// меняться, поэтому разбор строится на эвристиках по class-атрибутам и
// терпим к отсутствующим элементам.
package dpd

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/BearBump/ParcelBox/internal/carriers"
	"golang.org/x/net/html"
)

const defaultBaseURL = "https://www.dpd.co.uk/tracking/trackingSearch.do"

var (
	timelineClass = regexp.MustCompile(`(?i)timeline|tracking|history`)
	itemClass     = regexp.MustCompile(`(?i)item|event|step`)
	statusClass   = regexp.MustCompile(`(?i)status|current`)
	errorClass    = regexp.MustCompile(`(?i)error|not-found`)
)

type Adapter struct {
	*carriers.Base
	baseURL string
	httpc   *http.Client
}

func New(cfg carriers.Config) (carriers.Carrier, error) {
	return &Adapter{
		Base:    carriers.NewBase(cfg),
		baseURL: defaultBaseURL,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (a *Adapter) FetchStatus(ctx context.Context, trackingNumber string) carriers.TrackingResult {
	trackingNumber = strings.TrimSpace(trackingNumber)

	u := a.baseURL + "?parcelCode=" + url.QueryEscape(trackingNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return carriers.Failf("dpd: build request: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-GB,en;q=0.9")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return carriers.Failf("dpd: request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return carriers.Failf("dpd: http %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return carriers.Failf("dpd: malformed html: %v", err)
	}
	return a.parsePage(doc)
}

func (a *Adapter) parsePage(doc *html.Node) carriers.TrackingResult {
	now := time.Now().UTC()

	var events []carriers.Event
	if timeline := findByClass(doc, timelineClass); timeline != nil {
		for _, item := range findAllByClass(timeline, itemClass) {
			if text := nodeText(item); text != "" {
				events = append(events, carriers.Event{StatusText: text, Time: now})
			}
		}
	}

	statusText := "Unknown"
	if el := findByClass(doc, statusClass); el != nil {
		if text := nodeText(el); text != "" {
			statusText = text
		}
	}

	if carriers.HasStatusOrEvents(statusText, events) {
		return carriers.TrackingResult{
			Success:    true,
			Status:     a.NormaliseStatus(statusText),
			StatusText: statusText,
			Events:     events,
		}
	}

	// Ничего не распознали: либо страница сообщает об ошибке, либо DPD
	// поменял вёрстку. И то и другое — parse failure, не крэш.
	if el := findByClass(doc, errorClass); el != nil {
		if text := nodeText(el); text != "" {
			return carriers.Failf("%s", text)
		}
	}
	return carriers.Failf("could not parse tracking page")
}

// ParseEmail принимает только письма, где упоминается DPD; номера у них —
// 14-16 цифр подряд.
var emailPattern = regexp.MustCompile(`\b[0-9]{14,16}\b`)

func (a *Adapter) ParseEmail(body, subject string) (string, bool) {
	if !strings.Contains(strings.ToLower(subject), "dpd") && !strings.Contains(strings.ToLower(body), "dpd") {
		return "", false
	}
	if m := emailPattern.FindString(body); m != "" {
		return m, true
	}
	return "", false
}

func classOf(n *html.Node) string {
	for _, attr := range n.Attr {
		if attr.Key == "class" {
			return attr.Val
		}
	}
	return ""
}

func findByClass(n *html.Node, re *regexp.Regexp) *html.Node {
	if n.Type == html.ElementNode && re.MatchString(classOf(n)) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, re); found != nil {
			return found
		}
	}
	return nil
}

func findAllByClass(n *html.Node, re *regexp.Regexp) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && re.MatchString(classOf(c)) {
			out = append(out, c)
			continue // вложенные совпадения не дублируем
		}
		out = append(out, findAllByClass(c, re)...)
	}
	return out
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
