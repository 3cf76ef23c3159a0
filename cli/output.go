package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

// Output formats.
const (
	OutputText = "text"
	OutputYAML = "yaml"
	OutputJSON = "json"
)

func checkOutput(format string) error {
	switch format {
	case OutputText, OutputYAML, OutputJSON:
		return nil
	}
	return fmt.Errorf("unknown output format %q (text, yaml or json)", format)
}

// render writes v as yaml or json, or calls text for the text format.
func render(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

// validationReport is the serialisable form of a ValidationResult.
type validationReport struct {
	Sequence string   `json:"sequence" yaml:"sequence"`
	Valid    bool     `json:"valid" yaml:"valid"`
	Errors   []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func newValidationReport(name string, res types.ValidationResult) validationReport {
	return validationReport{
		Sequence: name,
		Valid:    res.Valid,
		Errors:   res.Messages(),
		Warnings: res.Warnings,
	}
}

func (r validationReport) text(w io.Writer) error {
	verdict := "valid"
	if !r.Valid {
		verdict = "invalid"
	}
	fmt.Fprintf(w, "%s: %s\n", r.Sequence, verdict)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error:   %s\n", e)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	return nil
}

func resultText(res types.ExecutionResult) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintf(w, "run %d %s: %s (%s) in %s\n",
			res.RunID, res.Sequence, res.State, res.Message, res.Elapsed.Round(time.Millisecond))
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, o := range res.Outcomes {
			line := fmt.Sprintf("  %s\t%s\tattempts=%d\t%s\t%s",
				o.ID, o.Status, o.Attempts, o.Elapsed.Round(time.Millisecond), o.Response)
			if len(o.FailedZones) > 0 {
				line += fmt.Sprintf("\tfailed zones %v", o.FailedZones)
			}
			fmt.Fprintln(tw, line)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
		return nil
	}
}

func trailText(trail []events.Event) func(io.Writer) error {
	return func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, ev := range trail {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				ev.Seq, ev.Timestamp.Format(time.RFC3339Nano), ev.Name, ev.State, ev.CommandID, ev.Message)
		}
		return tw.Flush()
	}
}

// parseFlagAssignments turns "name=bool" pairs into a map.
func parseFlagAssignments(pairs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("flag %q: want name=true|false", p)
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "on", "yes":
			out[name] = true
		case "false", "0", "off", "no":
			out[name] = false
		default:
			return nil, fmt.Errorf("flag %q: %q is not a boolean", p, value)
		}
	}
	return out, nil
}
