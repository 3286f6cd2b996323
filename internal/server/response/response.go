// Package response writes the JSON envelopes used by every /json endpoint:
// {"result":"success","msg":"", ...} and {"result":"error","msg":"...","code":"..."}.
package response

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the "code" field of error envelopes.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeRateLimited   = "RATE_LIMIT_HIT"
	CodeConflict      = "CONFLICT"
	CodeNotFound      = "NOT_FOUND"
	CodeInternalError = "INTERNAL_SERVER_ERROR"
)

// Success writes a 200 success envelope. Keys in data are merged into the top-level object;
// "result" and "msg" cannot be overridden.
func Success(w http.ResponseWriter, data map[string]any) {
	body := make(map[string]any, len(data)+2)
	for k, v := range data {
		body[k] = v
	}
	body["result"] = "success"
	body["msg"] = ""
	write(w, http.StatusOK, body)
}

// Error writes an error envelope with the given HTTP status, message and code.
func Error(w http.ResponseWriter, status int, msg, code string) {
	write(w, status, map[string]any{
		"result": "error",
		"msg":    msg,
		"code":   code,
	})
}

func write(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
