// Package erragg aggregates failures by fingerprint so a flapping provider
// surfaces as one counted entry instead of a log flood. Reporting never
// blocks the caller; memory is bounded and credential-looking values are
// redacted before a message is stored or logged.
package erragg

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

const (
	// defaultThreshold is the occurrence count that raises an alert.
	defaultThreshold = 5

	// defaultWindow is the sliding window the threshold applies to.
	defaultWindow = 300 * time.Second

	// defaultReportEvery is how often a still-recurring error is re-logged
	// even when it never reaches the burst threshold.
	defaultReportEvery = 300 * time.Second

	// defaultMaxEntries bounds distinct fingerprints held in memory.
	defaultMaxEntries = 1024
)

// Patterns for values that must never be stored: key-value secrets, header
// forms, and long opaque strings that look like tokens.
var (
	secretParamPattern = regexp.MustCompile(`(?i)(token|appauth|apikey|api_key|session|secret|password|authorization)([=:]\s*)[^\s&"']+`)
	bearerPattern      = regexp.MustCompile(`(?i)\b(bearer|token)\s+[A-Za-z0-9_\-.]{6,}`)
	opaqueTokenPattern = regexp.MustCompile(`\b[A-Za-z0-9_\-]{24,}\b`)
	// Long digit runs are ids and timestamps; short ones (status codes,
	// counts) stay significant for the fingerprint.
	numberPattern = regexp.MustCompile(`\d{4,}`)
)

// Stat is one aggregated error line for the ops surface.
type Stat struct {
	Scope       string    `json:"scope"`
	Fingerprint string    `json:"fingerprint"`
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Sample      string    `json:"sample"`
	Alerted     bool      `json:"alerted"`
}

// Config holds configuration for the aggregator.
type Config struct {
	Logger zerolog.Logger

	// Threshold is the count within Window that raises an alert (optional).
	Threshold int

	// Window is the sliding window for counting (optional).
	Window time.Duration

	// ReportEvery is the interval after which a fingerprint with at least one
	// occurrence since its last report is logged again (optional).
	ReportEvery time.Duration

	// MaxEntries bounds distinct fingerprints; when full, the entry with the
	// lowest count is evicted for a new one (optional).
	MaxEntries int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	scope       string
	sample      string
	firstSeen   time.Time
	occurrences []time.Time
	alertedAt   time.Time

	// reportedAt is the last burst alert or periodic report; sinceReport
	// counts occurrences after it.
	reportedAt  time.Time
	sinceReport int
}

// Aggregator counts errors by fingerprint in a sliding window.
type Aggregator struct {
	logger      zerolog.Logger
	threshold   int
	window      time.Duration
	reportEvery time.Duration
	maxEntries  int
	now         func() time.Time

	mu      sync.Mutex
	entries map[uint64]*entry
}

// New creates an aggregator.
func New(cfg Config) *Aggregator {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}
	window := cfg.Window
	if window == 0 {
		window = defaultWindow
	}
	reportEvery := cfg.ReportEvery
	if reportEvery == 0 {
		reportEvery = defaultReportEvery
	}
	maxEntries := cfg.MaxEntries
	if maxEntries == 0 {
		maxEntries = defaultMaxEntries
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		logger:      cfg.Logger,
		threshold:   threshold,
		window:      window,
		reportEvery: reportEvery,
		maxEntries:  maxEntries,
		now:         now,
		entries:     make(map[uint64]*entry),
	}
}

// Report records one failure. It never blocks on IO and is safe for
// concurrent use.
func (a *Aggregator) Report(scope string, err error) {
	if err == nil {
		return
	}
	now := a.now().UTC()
	redacted := Redact(err.Error())
	fp := fingerprint(scope, redacted)

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[fp]
	if !ok {
		if len(a.entries) >= a.maxEntries {
			a.evictLowest(now)
		}
		e = &entry{scope: scope, firstSeen: now, reportedAt: now}
		a.entries[fp] = e
	}
	e.sample = redacted
	e.occurrences = prune(e.occurrences, now.Add(-a.window))
	e.occurrences = append(e.occurrences, now)
	e.sinceReport++

	if len(e.occurrences) >= a.threshold && now.Sub(e.alertedAt) > a.window {
		e.alertedAt = now
		e.reportedAt = now
		e.sinceReport = 0
		a.logger.Error().
			Str("scope", scope).
			Str("fingerprint", strconv.FormatUint(fp, 16)).
			Int("count", len(e.occurrences)).
			Dur("window", a.window).
			Str("sample", redacted).
			Msg("error burst detected")
		return
	}

	// A slow drip below the burst threshold still surfaces periodically.
	if now.Sub(e.reportedAt) >= a.reportEvery && e.sinceReport > 0 {
		count := e.sinceReport
		e.reportedAt = now
		e.sinceReport = 0
		a.logger.Warn().
			Str("scope", scope).
			Str("fingerprint", strconv.FormatUint(fp, 16)).
			Int("count", count).
			Dur("interval", a.reportEvery).
			Str("sample", redacted).
			Msg("recurring error")
	}
}

// Snapshot returns the current entries with in-window counts, ordered by
// count descending then scope.
func (a *Aggregator) Snapshot() []Stat {
	now := a.now().UTC()
	cutoff := now.Add(-a.window)

	a.mu.Lock()
	defer a.mu.Unlock()

	stats := make([]Stat, 0, len(a.entries))
	for fp, e := range a.entries {
		occ := prune(e.occurrences, cutoff)
		e.occurrences = occ
		if len(occ) == 0 {
			continue
		}
		stats = append(stats, Stat{
			Scope:       e.scope,
			Fingerprint: strconv.FormatUint(fp, 16),
			Count:       len(occ),
			FirstSeen:   e.firstSeen,
			LastSeen:    occ[len(occ)-1],
			Sample:      e.sample,
			Alerted:     !e.alertedAt.IsZero() && now.Sub(e.alertedAt) <= a.window,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Scope < stats[j].Scope
	})
	return stats
}

// evictLowest removes the fingerprint with the fewest in-window occurrences.
// Caller holds the lock.
func (a *Aggregator) evictLowest(now time.Time) {
	cutoff := now.Add(-a.window)
	var victim uint64
	lowest := -1
	for fp, e := range a.entries {
		count := len(prune(e.occurrences, cutoff))
		if lowest < 0 || count < lowest {
			victim, lowest = fp, count
		}
	}
	if lowest >= 0 {
		delete(a.entries, victim)
	}
}

// fingerprint hashes scope plus the message with volatile parts collapsed,
// so "status 503" at two timestamps or two booking ids count as one error.
func fingerprint(scope, msg string) uint64 {
	normalized := numberPattern.ReplaceAllString(msg, "#")
	d := xxhash.New()
	_, _ = d.WriteString(scope)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(normalized)
	return d.Sum64()
}

// Redact strips credential-looking values from a message.
func Redact(msg string) string {
	msg = bearerPattern.ReplaceAllString(msg, "$1 [redacted]")
	msg = secretParamPattern.ReplaceAllString(msg, "$1$2[redacted]")
	msg = opaqueTokenPattern.ReplaceAllString(msg, "[redacted]")
	return msg
}

func prune(occurrences []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(occurrences) && occurrences[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return occurrences
	}
	return append([]time.Time(nil), occurrences[i:]...)
}

// String renders a short summary for debug logs.
func (a *Aggregator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("erragg(%d fingerprints)", len(a.entries))
}
