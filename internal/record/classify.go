package record

import "strings"

// Classifier assigns a severity to a raw, non-empty line.
type Classifier interface {
	Classify(line string) Severity
}

// Plain logs every line as Normal. Severity carries no meaning on plain streams.
type Plain struct{}

// Classify always returns Normal.
func (Plain) Classify(string) Severity { return Normal }

// DefaultTelemetryFields is the number of measurement fields on the PSoC stream.
const DefaultTelemetryFields = 8

// Telemetry classifies lines of the form "<index>,<m1>,...,<mN>". A line is
// Normal only when all N measurements equal Zero; short lines are Anomalous.
// Fields beyond the first N measurements are ignored.
type Telemetry struct {
	Fields int
	Zero   string
}

// NewTelemetry returns a Telemetry classifier with the "0" zero token.
func NewTelemetry(fields int) Telemetry {
	if fields <= 0 {
		fields = DefaultTelemetryFields
	}
	return Telemetry{Fields: fields, Zero: "0"}
}

// Classify returns Normal when the first Fields measurements after the index
// all equal Zero. A zero or negative Fields counts as DefaultTelemetryFields
// and an empty Zero as "0", matching NewTelemetry.
func (t Telemetry) Classify(line string) Severity {
	n, zero := t.Fields, t.Zero
	if n <= 0 {
		n = DefaultTelemetryFields
	}
	if zero == "" {
		zero = "0"
	}
	fields := strings.Split(line, ",")
	if len(fields) < n+1 {
		return Anomalous
	}
	for _, f := range fields[1 : n+1] {
		if f != zero {
			return Anomalous
		}
	}
	return Normal
}
