package models

import "time"

// ContentMetrics is the rollup of events for one content item.
type ContentMetrics struct {
	ContentRef        string    `json:"content_ref"`
	Impressions       int64     `json:"impressions"`
	Clicks            int64     `json:"clicks"`
	Saves             int64     `json:"saves"`
	Conversions       int64     `json:"conversions"`
	AttributedRevenue float64   `json:"attributed_revenue"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// Count returns the counter for t.
func (m *ContentMetrics) Count(t EventType) int64 {
	switch t {
	case EventImpression:
		return m.Impressions
	case EventClick:
		return m.Clicks
	case EventSave:
		return m.Saves
	case EventConvert:
		return m.Conversions
	}
	return 0
}

// Add increments the counter for t by n.
func (m *ContentMetrics) Add(t EventType, n int64) {
	switch t {
	case EventImpression:
		m.Impressions += n
	case EventClick:
		m.Clicks += n
	case EventSave:
		m.Saves += n
	case EventConvert:
		m.Conversions += n
	}
}

// SameCounts reports whether both rollups hold identical counters and
// revenue, ignoring timestamps.
func (m *ContentMetrics) SameCounts(o *ContentMetrics) bool {
	for _, t := range EventTypes {
		if m.Count(t) != o.Count(t) {
			return false
		}
	}
	return almostEqual(m.AttributedRevenue, o.AttributedRevenue)
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-6
}
