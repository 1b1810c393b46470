package health

import (
	"net/http"
)

// Mux is satisfied by *http.ServeMux and by chi routers.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// RegisterHandler serves the result of checker on /health.
func RegisterHandler(mux Mux, checker Checker) {
	mux.Handle("/health", NewHealthCheckHttpHandler(checker))
}
