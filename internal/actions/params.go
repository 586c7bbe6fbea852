package actions

import (
	"strconv"
	"time"
)

// Param decoders turn the loosely typed Params map into the per-variant
// structs. Missing or mistyped keys fall back to zero values; decoding
// never fails.

func decodeBlockParams(params map[string]interface{}) BlockParams {
	p := BlockParams{
		Target:   paramString(params, "target"),
		Severity: paramString(params, "severity"),
		Reason:   paramString(params, "reason"),
	}
	if mins := paramFloat(params, "expiresInMinutes"); mins > 0 {
		p.ExpiresIn = time.Duration(mins * float64(time.Minute))
	}
	return p
}

func decodeScoreParams(params map[string]interface{}) ScoreParams {
	return ScoreParams{
		Adjustment: paramFloat(params, "adjustment"),
		Reason:     paramString(params, "reason"),
	}
}

func decodeNotifyParams(params map[string]interface{}) NotifyParams {
	return NotifyParams{
		Severity: paramString(params, "severity"),
		Message:  paramString(params, "message"),
	}
}

func decodeRedirectParams(params map[string]interface{}) RedirectParams {
	return RedirectParams{URL: paramString(params, "url")}
}

func decodeTrackParams(params map[string]interface{}) TrackParams {
	return TrackParams{Label: paramString(params, "label")}
}

func paramString(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}

func paramFloat(params map[string]interface{}, key string) float64 {
	if params == nil {
		return 0
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}
