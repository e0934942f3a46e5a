package security

import (
	"context"

	"github.com/agenthive/agenthive/internal/common/apperr"
)

// Mode is the sanitization policy applied on detection.
type Mode string

const (
	ModeRemove     Mode = "remove"     // drop the offending substring
	ModeNeutralize Mode = "neutralize" // replace it with a filtered marker
	ModeBlock      Mode = "block"      // refuse the call
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRemove, ModeNeutralize, ModeBlock:
		return Mode(s), nil
	}
	return "", apperr.New(apperr.KindValidation, "unknown sanitize mode %q", s)
}

// Direction of a scan relative to the tool boundary.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Pipeline ties the scanner, the policy, and the alert sink together.
// CheckInput and CheckOutput are symmetric: same scanner, same policy.
type Pipeline struct {
	scanner *Scanner
	mode    Mode
	sink    *AlertSink
}

// NewPipeline builds the pipeline. sink may be nil in tests.
func NewPipeline(scanner *Scanner, mode Mode, sink *AlertSink) *Pipeline {
	return &Pipeline{scanner: scanner, mode: mode, sink: sink}
}

// CheckInput scans decoded tool arguments before dispatch. On detection it
// either rewrites the offending leaves (remove, neutralize) or refuses the
// call. Critical findings always refuse regardless of mode. The returned
// value is the (possibly rewritten) argument object.
func (p *Pipeline) CheckInput(ctx context.Context, subject, tool string, args map[string]any) (map[string]any, error) {
	result := p.scanner.Scan(args)
	if result.Safe {
		return args, nil
	}
	p.alert(ctx, subject, tool, DirectionInput, result)

	if p.mode == ModeBlock || result.MaxSeverity == SeverityCritical {
		return nil, apperr.New(apperr.KindSecurity,
			"call refused: %s threat detected in arguments", result.MaxSeverity)
	}
	cleaned, _ := rewrite(args, p.mode).(map[string]any)
	return cleaned, nil
}

// CheckOutput scans a tool result before it leaves the process.
func (p *Pipeline) CheckOutput(ctx context.Context, subject, tool string, out any) (any, error) {
	result := p.scanner.Scan(out)
	if result.Safe {
		return out, nil
	}
	p.alert(ctx, subject, tool, DirectionOutput, result)

	if p.mode == ModeBlock || result.MaxSeverity == SeverityCritical {
		return nil, apperr.New(apperr.KindSecurity,
			"result withheld: %s threat detected in output", result.MaxSeverity)
	}
	return rewrite(out, p.mode), nil
}

func (p *Pipeline) alert(ctx context.Context, subject, tool string, dir Direction, result ScanResult) {
	if p.sink == nil {
		return
	}
	p.sink.Emit(ctx, Alert{
		Subject:   subject,
		Tool:      tool,
		Direction: dir,
		Threats:   result.Threats,
		Severity:  result.MaxSeverity,
	})
}

// rewrite returns a sanitized copy of the value tree. Maps and slices are
// copied, typed values are flattened to their JSON shape first, non-string
// scalars pass through.
func rewrite(value any, mode Mode) any {
	switch v := value.(type) {
	case string:
		return Sanitize(v, mode)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = rewrite(item, mode)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = rewrite(item, mode)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = Sanitize(item, mode)
		}
		return out
	default:
		norm, ok := normalize(v)
		if !ok {
			return v
		}
		return rewrite(norm, mode)
	}
}
