package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
)

// Format selects the result line encoding.
type Format string

const (
	// FormatText writes space separated key=value pairs.
	FormatText Format = "text"
	// FormatJSON writes one JSON object.
	FormatJSON Format = "json"
)

var (
	errUnknownFormat = errors.New("unknown output format")
	errNoResult      = errors.New("no result")
)

// ParseFormat validates an output format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatText, "":
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownFormat, s)
	}
}

// Recorder stores attempts for later inspection.
type Recorder interface {
	Record(ctx context.Context, result *update.Result) error
}

// Reporter writes results.
type Reporter struct {
	out      io.Writer
	format   Format
	recorder Recorder
}

// New creates a reporter writing to out. The recorder may be nil.
func New(out io.Writer, format Format, recorder Recorder) *Reporter {
	return &Reporter{
		out:      out,
		format:   format,
		recorder: recorder,
	}
}

// Report writes the result line, records the attempt and returns the exit code.
// Neither a write nor a history failure changes the exit code.
func (r *Reporter) Report(ctx context.Context, result *update.Result) int {
	if result == nil {
		result = update.NewFailedResult(update.NewError(update.CategoryInternal, "report", errNoResult))
	}

	if err := r.write(result); err != nil {
		logger.ErrorKV(ctx, "Unable to write result", "error", err)
	}

	if r.recorder != nil {
		if err := r.recorder.Record(ctx, result); err != nil {
			logger.WarnKV(ctx, "Unable to record attempt in history", "error", err)
		}
	}

	return result.ExitCode()
}

func (r *Reporter) write(result *update.Result) error {
	var line string

	if r.format == FormatJSON {
		data, err := json.Marshal(NewLine(result))
		if err != nil {
			return err
		}

		line = string(data)
	} else {
		line = FormatLine(result)
	}

	_, err := fmt.Fprintln(r.out, line)

	return err
}

// Line is the JSON form of a result.
type Line struct {
	Status     string    `json:"status"`
	Category   string    `json:"category,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Attempt    string    `json:"attempt,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
}

// NewLine converts a result.
func NewLine(result *update.Result) *Line {
	return &Line{
		Status:     string(result.Outcome),
		Category:   string(result.Category),
		Reason:     result.Reason,
		From:       result.From,
		To:         result.To,
		Attempt:    result.AttemptID,
		StartedAt:  result.StartedAt.UTC(),
		DurationMS: result.Duration.Milliseconds(),
		ExitCode:   result.ExitCode(),
	}
}

// FormatLine renders the text form:
//
//	status=failed category=verify from=1.0 to=1.1 attempt=... duration=1.2s reason="checksum mismatch"
func FormatLine(result *update.Result) string {
	fields := []string{"status=" + string(result.Outcome)}

	if result.Outcome == update.OutcomeFailed && result.Category != "" {
		fields = append(fields, "category="+string(result.Category))
	}

	for _, kv := range [][2]string{
		{"from", result.From},
		{"to", result.To},
		{"attempt", result.AttemptID},
	} {
		if kv[1] != "" {
			fields = append(fields, kv[0]+"="+quoteIfNeeded(kv[1]))
		}
	}

	if result.Duration > 0 {
		fields = append(fields, "duration="+result.Duration.Round(time.Millisecond).String())
	}

	if result.Reason != "" {
		fields = append(fields, "reason="+strconv.Quote(result.Reason))
	}

	return strings.Join(fields, " ")
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t\"=") {
		return strconv.Quote(s)
	}

	return s
}
