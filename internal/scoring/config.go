package scoring

import "time"

// Config fixes the keyword tables and thresholds the engine scores with.
// It is immutable after construction so re-scoring is reproducible.
type Config struct {
	ICSKeywords     []string
	MedicalKeywords []string
	DomainKeywords  []string

	HighSeverityThreshold float64
	RecentWindow          time.Duration
	MaxScore              int
}

// DefaultConfig returns the stock keyword tables for bio-industry relevance.
func DefaultConfig() Config {
	return Config{
		ICSKeywords: []string{
			"industrial control", "ics", "scada", "plc", "rtu", "controller",
		},
		MedicalKeywords: []string{
			"medical", "clinical", "healthcare", "hospital", "biomedical", "diagnostic",
		},
		DomainKeywords: []string{
			"sequencer", "bioreactor", "incubator", "centrifuge", "pipette", "lab", "dna", "genomics",
		},
		HighSeverityThreshold: 8.0,
		RecentWindow:          14 * 24 * time.Hour,
		MaxScore:              10,
	}
}
