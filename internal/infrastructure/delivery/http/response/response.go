// Package response writes the JSON envelope used by every non-streaming endpoint.
package response

import (
	"encoding/json"
	"net/http"
)

// Response is the JSON envelope. JobID is set only by a submission,
// where clients also read it at the top level.
type Response struct {
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// JobCreated is the data of a successful submission.
type JobCreated struct {
	JobID string `json:"job_id"`
}

// WriteJSON writes status and the envelope built from message, data and err.
func WriteJSON(w http.ResponseWriter, status int, message string, data any, err error) {
	var errorMsg string
	if err != nil {
		errorMsg = err.Error()
	}

	write(w, status, Response{
		Message: message,
		Data:    data,
		Error:   errorMsg,
	})
}

func write(w http.ResponseWriter, status int, res Response) {
	body, err := json.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func OK(w http.ResponseWriter, message string, res any, err error) {
	WriteJSON(w, http.StatusOK, message, res, err)
}

// NoContent writes a bare 204; the status forbids a body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// JobAccepted answers a submission with 202 and the job id both at the top level and in data.
func JobAccepted(w http.ResponseWriter, message, jobID string) {
	write(w, http.StatusAccepted, Response{
		Message: message,
		JobID:   jobID,
		Data:    JobCreated{JobID: jobID},
	})
}

func BadRequest(w http.ResponseWriter, message string, err error) {
	WriteJSON(w, http.StatusBadRequest, message, nil, err)
}

func NotFound(w http.ResponseWriter, message string, err error) {
	WriteJSON(w, http.StatusNotFound, message, nil, err)
}

func Conflict(w http.ResponseWriter, message string, err error) {
	WriteJSON(w, http.StatusConflict, message, nil, err)
}

func UnprocessableEntity(w http.ResponseWriter, message string, err error) {
	WriteJSON(w, http.StatusUnprocessableEntity, message, nil, err)
}

func ServiceUnavailable(w http.ResponseWriter, message string, err error) {
	WriteJSON(w, http.StatusServiceUnavailable, message, nil, err)
}

func InternalServerError(w http.ResponseWriter, message string, res any, err error) {
	WriteJSON(w, http.StatusInternalServerError, message, res, err)
}
