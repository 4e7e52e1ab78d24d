package storeserver

import (
	"encoding/json"
	"net/http"

	"fleetd/internal/objects"
)

// DetailResponse is the body of error responses and of method endpoints
// that answer with a human readable outcome.
type DetailResponse struct {
	Detail string `json:"detail"`
}

// SendJSON writes a JSON response with the given status code.
func SendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// SendDetail writes a detail body with the given status code.
func SendDetail(w http.ResponseWriter, status int, detail string) {
	SendJSON(w, status, DetailResponse{Detail: detail})
}

// SendError maps a classified error onto its HTTP status and writes the
// detail body.
func SendError(w http.ResponseWriter, err error) {
	SendDetail(w, objects.HTTPStatus(err), err.Error())
}
