package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// writeFail sends an API error envelope. status overrides the code's
// default status when non-zero.
func writeFail(w http.ResponseWriter, status int, code, msg string) {
	if status == 0 {
		status = domain.HTTPStatus(code)
	}
	body, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": msg},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(domain.ErrorCodeHeader, code)
	w.WriteHeader(status)
	w.Write(body)
}
