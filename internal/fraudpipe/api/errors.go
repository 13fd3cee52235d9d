package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
)

type errorBody struct {
	Code    fault.Code `json:"code"`
	Message string     `json:"message"`
	TraceID string     `json:"trace_id"`
	// Error repeats Message for clients of the old surface.
	Error string `json:"error"`
}

// WriteError maps err onto its class and status. Internal errors are logged
// with the trace id and not echoed.
func WriteError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	code := fault.Classify(err)
	body := errorBody{Code: code, Message: err.Error(), TraceID: uuid.NewString()}
	status := fault.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		log.WithFields(logrus.Fields{"trace_id": body.TraceID, "code": code, "err": err}).Error("request failed")
		if code == fault.CodeInternal {
			body.Message = "internal error"
		}
	}
	body.Error = body.Message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
