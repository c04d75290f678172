package ingestion

import (
	"context"
	"fmt"
	"strings"
)

// Telemetry is one observed request.
type Telemetry struct {
	SourceKey string `json:"source_key"`
	UserAgent string `json:"user_agent"`
	Path      string `json:"path"`
	UserID    string `json:"user_id,omitempty"`
}

// Recorder applies telemetry to behavior profiles.
type Recorder interface {
	RecordRequest(sourceKey, userAgent, path, userID string) float64
}

// Field aliases accepted in HEC events, in lookup order. The names follow
// the Splunk CIM Web data model plus common access-log spellings.
var (
	sourceFields = []string{"src_ip", "src", "client_ip", "clientip", "source_key"}
	agentFields  = []string{"http_user_agent", "user_agent", "useragent"}
	pathFields   = []string{"uri_path", "path", "uri", "url"}
	userFields   = []string{"user", "user_id", "userid"}
)

// TelemetryFromEvent extracts a request from a HEC event. The event body
// may be a JSON object or a key=value line; indexed fields fill gaps and the
// event host stands in for a missing source address. Events with neither a
// source nor a path are rejected.
func TelemetryFromEvent(ev HECEvent) (Telemetry, bool) {
	var kv map[string]string
	switch body := ev.Event.(type) {
	case map[string]any:
		kv = flatten(body)
	case string:
		kv = ParseKV(body)
	default:
		kv = map[string]string{}
	}
	for k, v := range flatten(ev.Fields) {
		if _, ok := kv[k]; !ok {
			kv[k] = v
		}
	}

	t := Telemetry{
		SourceKey: first(kv, sourceFields),
		UserAgent: first(kv, agentFields),
		Path:      first(kv, pathFields),
		UserID:    first(kv, userFields),
	}
	if t.SourceKey == "" {
		t.SourceKey = ev.Host
	}
	if t.SourceKey == "" && t.Path == "" {
		return Telemetry{}, false
	}
	return t, true
}

// TelemetryHandler returns an EventHandler that records every usable event.
// Unusable events are skipped; the handler fails only when no event in the
// batch was usable.
func TelemetryHandler(rec Recorder) EventHandler {
	return func(ctx context.Context, events []HECEvent) error {
		recorded := 0
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, ok := TelemetryFromEvent(ev)
			if !ok {
				continue
			}
			rec.RecordRequest(t.SourceKey, t.UserAgent, t.Path, t.UserID)
			recorded++
		}
		if recorded == 0 {
			return fmt.Errorf("none of %d events carried request telemetry", len(events))
		}
		return nil
	}
}

// ParseKV parses space-separated key=value pairs. Values may be double
// quoted to include spaces.
func ParseKV(line string) map[string]string {
	out := make(map[string]string)
	for i := 0; i < len(line); {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		eq := strings.IndexByte(line[i:], '=')
		if eq <= 0 {
			break
		}
		key := line[i : i+eq]
		if sp := strings.LastIndexByte(key, ' '); sp >= 0 {
			key = key[sp+1:]
		}
		key = strings.ToLower(key)
		i += eq + 1

		var val string
		if i < len(line) && line[i] == '"' {
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				val = line[i+1:]
				i = len(line)
			} else {
				val = line[i+1 : i+1+end]
				i += end + 2
			}
		} else {
			end := strings.IndexByte(line[i:], ' ')
			if end < 0 {
				end = len(line) - i
			}
			val = line[i : i+end]
			i += end
		}
		if key != "" {
			out[key] = val
		}
	}
	return out
}

func flatten(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[strings.ToLower(k)] = val
		case nil:
		default:
			out[strings.ToLower(k)] = fmt.Sprint(val)
		}
	}
	return out
}

func first(kv map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(kv[k]); v != "" {
			return v
		}
	}
	return ""
}
