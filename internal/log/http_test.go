package log

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_PassesThroughAndAttachesLogger(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())

	var sawLogger bool
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		sawLogger = FromContext(r.Context()) != nil
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, sawLogger)
}
