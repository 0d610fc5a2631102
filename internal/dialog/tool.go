package dialog

import (
	"context"
	"encoding/json"
	"fmt"
)

// RouteIntentToolName is the backend tool the model calls to report its
// intent classification.
const RouteIntentToolName = "route_intent"

// Dispositions accepted in a route_intent call.
const (
	DispositionMatch      = "match"
	DispositionNoMatch    = "no_match"
	DispositionNoInput    = "no_input"
	DispositionEndSession = "end_session"
)

// routeIntentArgs is the argument shape of a route_intent call.
type routeIntentArgs struct {
	Intent      string `json:"intent"`
	Disposition string `json:"disposition"`
}

// RouteIntentParameters is the JSON-schema parameter object advertised to
// the backend for [RouteIntentToolName].
func RouteIntentParameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent": map[string]any{
				"type":        "string",
				"description": "The classified intent identifier, e.g. \"billing\".",
			},
			"disposition": map[string]any{
				"type": "string",
				"enum": []string{
					DispositionMatch,
					DispositionNoMatch,
					DispositionNoInput,
					DispositionEndSession,
				},
				"description": "How the classification concluded. Defaults to \"match\".",
			},
		},
		"required": []string{"disposition"},
	}
}

// HandleRouteIntent executes a route_intent tool call against the router.
// Malformed calls return an error; the caller is expected to answer the
// backend with a structured error payload rather than dropping the call.
//
// The method signature matches the bridge's tool handler type so it can be
// registered directly.
func (r *Router) HandleRouteIntent(_ context.Context, args json.RawMessage) (string, error) {
	var in routeIntentArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("malformed route_intent arguments: %w", err)
	}
	if in.Disposition == "" {
		in.Disposition = DispositionMatch
	}

	var outcome Outcome
	switch in.Disposition {
	case DispositionMatch:
		if in.Intent == "" {
			return "", fmt.Errorf("missing required field: intent")
		}
		outcome = Match{TaskID: in.Intent}
	case DispositionNoMatch:
		outcome = NoMatch{}
	case DispositionNoInput:
		outcome = NoInput{}
	case DispositionEndSession:
		outcome = EndSession{}
	default:
		return "", fmt.Errorf("unknown disposition %q", in.Disposition)
	}

	r.OnIntentRouted(outcome)

	result, err := json.Marshal(map[string]string{
		"status": "routed",
		"mode":   r.Mode().String(),
	})
	if err != nil {
		return "", fmt.Errorf("encode route_intent result: %w", err)
	}
	return string(result), nil
}
