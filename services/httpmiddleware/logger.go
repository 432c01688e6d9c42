package httpmiddleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Logger логирует исходящие HTTP вызовы. Чувствительные заголовки
// редактируются, тела не логируются.
func Logger(logger *slog.Logger) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(req)
			duration := time.Since(start)

			if err != nil {
				logger.Error("HTTP request failed",
					slog.String("method", req.Method),
					slog.String("url", redactURL(req)),
					slog.Duration("duration", duration),
					slog.Any("error", err))

				return resp, err
			}

			logger.Debug("📤 HTTP request",
				slog.String("method", req.Method),
				slog.String("url", redactURL(req)),
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", duration))

			return resp, nil
		})
	}
}

// redactURL скрывает токен в пути (telegram кладет его в URL)
func redactURL(req *http.Request) string {
	url := req.URL.String()

	if i := strings.Index(url, "/bot"); i >= 0 {
		if j := strings.Index(url[i+1:], "/"); j >= 0 {
			return url[:i+4] + "[REDACTED]" + url[i+1+j:]
		}
	}

	return url
}
