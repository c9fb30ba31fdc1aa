package graph

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfter is assumed when a 429 carries no usable hint.
const DefaultRetryAfter = 60 * time.Second

// throttleBody is the part of a Graph error body that may carry a backoff hint.
type throttleBody struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			RetryAfterSeconds json.Number `json:"retryAfterSeconds"`
		} `json:"innerError"`
	} `json:"error"`
}

// ParseRetryAfter extracts the backoff from a throttled response. It checks the
// Retry-After header (seconds or HTTP date), then x-ms-retry-after-ms, then
// the JSON body. Returns 0 if no retry information is found.
func ParseRetryAfter(header http.Header, body []byte, now time.Time) time.Duration {
	if header != nil {
		if retryAfter := strings.TrimSpace(header.Get("Retry-After")); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
				return time.Duration(seconds) * time.Second
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				if d := t.Sub(now); d > 0 {
					return d
				}
				return 0
			}
		}
		if ms := strings.TrimSpace(header.Get("x-ms-retry-after-ms")); ms != "" {
			if v, err := strconv.Atoi(ms); err == nil && v > 0 {
				return time.Duration(v) * time.Millisecond
			}
		}
	}

	if len(body) == 0 {
		return 0
	}
	var info throttleBody
	if err := json.Unmarshal(body, &info); err != nil {
		return 0
	}
	if s := info.Error.InnerError.RetryAfterSeconds.String(); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	}
	return 0
}
