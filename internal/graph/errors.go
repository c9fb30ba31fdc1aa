package graph

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/util"
)

// errorBody is the standard Graph error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify maps a non-2xx Graph response to the error taxonomy.
func classify(op string, status int, header http.Header, body []byte, now time.Time) *domain.Error {
	e := &domain.Error{
		Op:      op,
		Status:  status,
		Payload: util.TruncateBytes(body),
		Msg:     errorMessage(body),
	}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = domain.KindAuthExpired
	case status == http.StatusTooManyRequests:
		e.Kind = domain.KindRateLimited
		e.RetryAfter = ParseRetryAfter(header, body, now)
	case status == http.StatusNotFound:
		e.Kind = domain.KindNotFound
	case status == http.StatusForbidden:
		e.Kind = domain.KindPermissionDenied
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		e.Kind = domain.KindValidation
	default:
		e.Kind = domain.KindProvider
	}
	return e
}

func errorMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || (eb.Error.Code == "" && eb.Error.Message == "") {
		return ""
	}
	if eb.Error.Message == "" {
		return eb.Error.Code
	}
	return eb.Error.Code + ": " + util.TruncateLog(eb.Error.Message, 256)
}

// duplicateCodes are the Graph error codes returned when a resource or
// membership being added is already present.
var duplicateCodes = map[string]bool{
	"conflict":               true,
	"memberalreadyexists":    true,
	"erroritemalreadyexists": true,
	"namealreadyexists":      true,
	"resourcealreadyexists":  true,
	"objectconflict":         true,
}

// IsAlreadyExists reports whether err is the provider saying the resource or
// membership is already present: a 409, or a 400 carrying a duplicate code.
func IsAlreadyExists(err error) bool {
	var de *domain.Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Status {
	case http.StatusConflict:
		return true
	case http.StatusBadRequest:
		return duplicateCodes[strings.ToLower(errorCode([]byte(de.Payload)))]
	default:
		return false
	}
}

func errorCode(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	return eb.Error.Code
}
