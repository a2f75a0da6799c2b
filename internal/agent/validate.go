package agent

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// validateAndNormalize converts a rawResponse into a validated Response,
// implementing response contract and §8's boundary behaviors:
// confidence clamping, non-numeric confidence defaulting to 50, and source
// normalization from bare URL strings to {url, title}.
func validateAndNormalize(raw rawResponse) (*Response, error) {
	if raw.Evidence == nil || strings.TrimSpace(*raw.Evidence) == "" {
		return nil, newError(KindValidationError, 0, "agent response missing non-empty evidence", nil)
	}

	sources, err := normalizeSources(raw.Sources)
	if err != nil {
		return nil, err
	}

	nextRun, err := parseNextRun(raw.NextRun)
	if err != nil {
		return nil, err
	}

	topic := ""
	if raw.Topic != nil {
		topic = strings.TrimSpace(*raw.Topic)
	}

	return &Response{
		Evidence:     *raw.Evidence,
		Notification: raw.Notification,
		Sources:      sources,
		Confidence:   normalizeConfidence(raw.Confidence),
		NextRun:      nextRun,
		Topic:        topic,
	}, nil
}

// normalizeConfidence clamps numeric confidence to [0, 100] and maps
// non-numeric values to 50: confidence = -5 → 0; confidence = 150 → 100;
// confidence = "high" → 50.
func normalizeConfidence(v interface{}) int {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	default:
		return 50
	}
	if f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return int(f)
}

// normalizeSources accepts either a list of bare URL strings or a list of
// {url, title} objects (decoded here as map[string]interface{} since the
// wire shape is heterogeneous), and reduces both to []Source. A non-list
// value normalizes to an empty slice rather than an error — the orchestrator
// treats a malformed sources field as "no sources", not a fatal response.
func normalizeSources(v interface{}) ([]Source, error) {
	list, ok := v.([]interface{})
	if !ok {
		return []Source{}, nil
	}

	out := make([]Source, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, Source{URL: s, Title: hostOrURL(s)})
			continue
		}

		if m, ok := item.(map[string]interface{}); ok {
			src := Source{}
			if u, ok := m["url"].(string); ok {
				src.URL = u
			}
			if title, ok := m["title"].(string); ok && title != "" {
				src.Title = title
			} else {
				src.Title = hostOrURL(src.URL)
			}
			if src.URL != "" {
				out = append(out, src)
			}
		}
	}
	return out, nil
}

// hostOrURL returns rawURL's host component, falling back to rawURL itself
// if it cannot be parsed or has no host — the default title for a bare-URL
// source entry.
func hostOrURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// parseNextRun parses an ISO-8601 timestamp, accepting the "Z" UTC suffix
//. A nil or empty value means "task is finished" and is not
// an error.
func parseNextRun(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, newError(KindValidationError, 0, fmt.Sprintf("invalid next_run timestamp %q", *raw), err)
	}
	utc := t.UTC()
	return &utc, nil
}
