package api

import (
	"net/http"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/dork-labs/relay/daemon/relay"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// decodeStrict parses the request body into dst, rejecting unknown
// fields so client typos surface as 400s instead of silent drops.
func decodeStrict(req *http.Request, dst any) error {
	dec := jsonit.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return relay.Errorf(relay.CodeInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = jsonit.NewEncoder(w).Encode(v)
}

// errorBody is the structured error shape every non-2xx response uses.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusOf maps a stable error code to its HTTP status. Codes the edge
// does not know are internal errors.
func statusOf(code string) int {
	switch code {
	case relay.CodeInvalidSubject, relay.CodeInvalidRequest,
		relay.CodeConfigInvalid, relay.CodeRemoveBuiltinDenied,
		relay.CodeMultiInstanceDenied, relay.CodeUnknownType:
		return http.StatusBadRequest
	case relay.CodeUnauthorized:
		return http.StatusUnauthorized
	case relay.CodeNotFound:
		return http.StatusNotFound
	case relay.CodeDuplicateID, relay.CodeDuplicateEndpoint, relay.CodeSessionLocked:
		return http.StatusConflict
	case relay.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case relay.CodeFeatureDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var re *relay.Error
	if errors.As(err, &re) {
		status := statusOf(re.Code)
		if status >= 500 {
			s.log.Error().Err(err).Msg("request failed")
		}
		writeJSON(w, status, errorBody{Code: re.Code, Message: re.Message})
		return
	}
	s.log.Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Code:    "INTERNAL",
		Message: "internal error",
	})
}
