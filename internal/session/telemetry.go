package session

import "time"

// counters accumulates lifecycle totals under the manager mutex.
type counters struct {
	created        int
	ended          int
	expired        int
	panics         int
	peakConcurrent int
	totalLifetime  time.Duration
}

// Stats is a snapshot of session activity for the local stats surface.
type Stats struct {
	Active          int           `json:"active"`
	Created         int           `json:"created"`
	Expired         int           `json:"expired"`
	Panics          int           `json:"panics"`
	PeakConcurrent  int           `json:"peakConcurrent"`
	AverageLifetime time.Duration `json:"averageLifetime"`
	Fingerprint     string        `json:"fingerprint"`
	Score           Score         `json:"score"`
}

// Score grades session hygiene 0-100. Each component contributes up to 25
// points.
type Score struct {
	Overall    int             `json:"overall"`
	Components ScoreComponents `json:"components"`
	// Suggestions provides actionable recommendations.
	Suggestions []string `json:"suggestions"`
}

type ScoreComponents struct {
	// TTLScore rewards short session lifetimes (0-25).
	TTLScore int `json:"ttl"`
	// ConcurrencyScore rewards headroom under the session limit (0-25).
	ConcurrencyScore int `json:"concurrency"`
	// ExpiryScore rewards sessions closed deliberately rather than left to
	// time out (0-25).
	ExpiryScore int `json:"expiry"`
	// IncidentScore penalizes panic wipes in this process (0-25).
	IncidentScore int `json:"incidents"`
}

// Stats snapshots the manager's counters and grades them.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := len(m.sessions)
	c := m.counters
	m.mu.Unlock()

	var avg time.Duration
	if c.ended > 0 {
		avg = c.totalLifetime / time.Duration(c.ended)
	}
	return Stats{
		Active:          active,
		Created:         c.created,
		Expired:         c.expired,
		Panics:          c.panics,
		PeakConcurrent:  c.peakConcurrent,
		AverageLifetime: avg,
		Fingerprint:     m.fingerprint,
		Score:           m.score(c, avg),
	}
}

func (m *Manager) score(c counters, avg time.Duration) Score {
	// Nothing observed yet: perfect score.
	if c.created == 0 {
		return Score{
			Overall: 100,
			Components: ScoreComponents{
				TTLScore:         25,
				ConcurrencyScore: 25,
				ExpiryScore:      25,
				IncidentScore:    25,
			},
			Suggestions: []string{},
		}
	}

	var suggestions []string

	ttlScore := 25
	if m.cfg.TTL > 30*time.Minute {
		ttlScore = 10
		suggestions = append(suggestions, "Shorten the session TTL (10 minutes or less recommended)")
	} else if m.cfg.TTL > DefaultTTL {
		ttlScore = 18
	}
	if c.ended > 0 && avg > m.cfg.TTL {
		// Sessions kept alive by repeated extension.
		if ttlScore > 15 {
			ttlScore = 15
		}
		suggestions = append(suggestions, "Avoid extending sessions repeatedly; re-authenticate instead")
	}

	concurrencyScore := 25
	if c.peakConcurrent >= m.cfg.MaxSessions {
		concurrencyScore = 12
		suggestions = append(suggestions, "Deactivate tags you are not using; the concurrent limit was reached")
	}

	// Ratio of sessions that ended by timer instead of an explicit close.
	expiryScore := 25
	if c.ended > 0 {
		ratio := float64(c.ended-c.expired) / float64(c.ended)
		expiryScore = int(ratio * 25)
		if c.expired > c.ended/2 {
			suggestions = append(suggestions, "Close sessions when done rather than letting them time out")
		}
	}

	incidentScore := 25
	if c.panics > 0 {
		incidentScore = 0
	}

	if suggestions == nil {
		suggestions = []string{}
	}
	return Score{
		Overall: ttlScore + concurrencyScore + expiryScore + incidentScore,
		Components: ScoreComponents{
			TTLScore:         ttlScore,
			ConcurrencyScore: concurrencyScore,
			ExpiryScore:      expiryScore,
			IncidentScore:    incidentScore,
		},
		Suggestions: suggestions,
	}
}
