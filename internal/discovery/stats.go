// SPDX-License-Identifier: MIT

package discovery

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// FilteringStats tallies what each pipeline stage did to the candidate set.
// It is logged in tabular form and stored as the execution's output summary.
type FilteringStats struct {
	Total                  int  `json:"total"`
	FilteredAlreadyManaged int  `json:"filtered_already_in_manager"`
	FilteredExcluded       int  `json:"filtered_in_exclusions"`
	FilteredLowScore       int  `json:"filtered_low_score"`
	MusicBrainzRecovered   int  `json:"musicbrainz_recovered"`
	FinalCount             int  `json:"final_count"`
	LimitedCount           int  `json:"limited_count"`
	RandomSamplingApplied  bool `json:"random_sampling_applied"`
}

// Log emits the stats table at info level, one row per counter.
func (s FilteringStats) Log(logger zerolog.Logger) {
	rows := []struct {
		label string
		value int
	}{
		{"total candidates", s.Total},
		{"already in manager", s.FilteredAlreadyManaged},
		{"in exclusions", s.FilteredExcluded},
		{"below match score", s.FilteredLowScore},
		{"musicbrainz recovered", s.MusicBrainzRecovered},
		{"final", s.FinalCount},
		{"dropped by limit", s.LimitedCount},
	}
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "\n  %-24s %5d", row.label, row.value)
	}
	logger.Info().
		Str("event", "discovery.stats").
		Bool("random_sampling", s.RandomSamplingApplied).
		Msgf("filtering summary:%s", b.String())
}
