package runtime

import (
	"net/http"

	"github.com/drblury/streamrelay/internal/runtime/jsoncodec"
)

// StatusPath serves the handler snapshot on the metrics port.
const StatusPath = "/status/handlers"

func (s *Service) registerStatusEndpoint() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort <= 0 {
		return
	}
	s.RegisterHTTPHandler(s.Conf.MetricsPort, StatusPath, s.StatusHandler())
}

// StatusHandler reports Handlers as JSON.
func (s *Service) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := jsoncodec.Encode(w, s.Handlers()); err != nil {
			s.Logger.Error("Failed to encode handlers", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}
