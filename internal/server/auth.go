package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gemini-bridge/internal/openai"
)

// requireAPIKey authenticates requests against the configured key table.
// Missing, malformed, or unknown bearer tokens all yield the same 401 body
// so probing cannot distinguish the cases.
func requireAPIKey(keys []string) echo.MiddlewareFunc {
	table := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		table[key] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c.Request().Header.Get("Authorization"))
			if !ok {
				return unauthorized()
			}
			if _, known := table[token]; !known {
				return unauthorized()
			}
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func unauthorized() error {
	return requestError{
		Status:  http.StatusUnauthorized,
		Message: "Invalid API key provided",
		Type:    "invalid_request_error",
		Code:    "invalid_api_key",
	}
}

func newErrorBody(reqErr requestError) openai.ErrorBody {
	return openai.NewErrorBody(reqErr.Message, reqErr.Type, reqErr.Param, reqErr.Code)
}
