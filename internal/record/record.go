// Package record defines the log record written for every non-empty line
// read from a device, and the classifiers that assign its severity.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the timestamp layout of a formatted record: MM/DD/YYYY,HH:MM:SS.
const TimeLayout = "01/02/2006,15:04:05"

// Severity is the judgment attached to a record.
type Severity int

const (
	// Normal lines are rendered as DEBUG.
	Normal Severity = iota
	// Anomalous lines are rendered as ERROR.
	Anomalous
)

func (s Severity) String() string {
	switch s {
	case Normal:
		return "DEBUG"
	case Anomalous:
		return "ERROR"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "DEBUG":
		return Normal, nil
	case "ERROR":
		return Anomalous, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// Record is one entry of a stream log.
type Record struct {
	Time     time.Time
	Label    string
	Severity Severity
	Message  string
}

// New builds a record stamped at t, truncated to whole seconds.
func New(t time.Time, label string, sev Severity, msg string) Record {
	return Record{
		Time:     t.Truncate(time.Second),
		Label:    label,
		Severity: sev,
		Message:  msg,
	}
}

// lineBreaks maps embedded CR and LF to spaces so a formatted record always
// occupies exactly one line of the log file.
var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Format renders the record as timestamp,label,severity,message without a
// trailing newline. Line breaks inside the label or message are written as
// a single space.
func (r Record) Format() string {
	var b strings.Builder
	b.Grow(len(TimeLayout) + len(r.Label) + len(r.Message) + 8)
	b.WriteString(r.Time.Format(TimeLayout))
	b.WriteByte(',')
	lineBreaks.WriteString(&b, r.Label)
	b.WriteByte(',')
	b.WriteString(r.Severity.String())
	b.WriteByte(',')
	lineBreaks.WriteString(&b, r.Message)
	return b.String()
}

// ErrMalformed is returned by Parse for lines that are not formatted records.
var ErrMalformed = errors.New("malformed record")

// Parse recovers a record from a line produced by Format. The timestamp is
// interpreted in the local time zone, as it was written. The message may
// itself contain commas; the label may not.
func Parse(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, ",", 5)
	if len(parts) != 5 {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	ts, err := time.ParseInLocation(TimeLayout, parts[0]+","+parts[1], time.Local)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	sev, err := ParseSeverity(parts[3])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Record{Time: ts, Label: parts[2], Severity: sev, Message: parts[4]}, nil
}
