// Package livehttp serves the rows of live query sessions over HTTP.
package livehttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-sqlt/namedsql"
)

const (
	// TokenHeader carries the token of a live session.
	TokenHeader = "X-Live-Token"
	// DoneHeader is "true" on the response holding the last rows of a session.
	DoneHeader = "X-Live-Done"
)

// WriteToken sets the token header on the response that starts a live session.
func WriteToken(w http.ResponseWriter, tok namedsql.Token) {
	w.Header().Set(TokenHeader, tok.String())
}

// Handler serves the sessions of Broker.
//
//	GET    ?token=...&size=...  next batch as a JSON array of objects
//	DELETE ?token=...           terminate the session
//
// The token may also be passed in the X-Live-Token request header. Unknown,
// expired and terminated sessions yield 410 Gone.
type Handler struct {
	Broker      *namedsql.Broker
	DefaultSize int
	MaxSize     int
	Logger      *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("token")
	if text == "" {
		text = r.Header.Get(TokenHeader)
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodDelete:
		tok, err := namedsql.ParseToken(text)
		if err == nil {
			if err := h.Broker.Terminate(tok); err != nil {
				h.logger().ErrorContext(r.Context(), "terminate live session", slog.String("token", text), slog.String("error", err.Error()))
			}
		}

		w.WriteHeader(http.StatusNoContent)

		return
	default:
		w.Header().Set("Allow", "GET, HEAD, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")

		return
	}

	size, err := h.size(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	tok, err := namedsql.ParseToken(text)
	if err != nil {
		writeError(w, http.StatusGone, namedsql.ErrNotAvailable.Error())

		return
	}

	rows, err := h.Broker.NextMaps(r.Context(), tok, size)
	if err != nil {
		if errors.Is(err, namedsql.ErrNotAvailable) {
			writeError(w, http.StatusGone, err.Error())

			return
		}

		h.logger().ErrorContext(r.Context(), "fetch live session", slog.String("token", text), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "fetch failed")

		return
	}

	if rows == nil {
		rows = []map[string]any{}
	}

	WriteToken(w, tok)

	if !h.Broker.Pinned(tok) {
		w.Header().Set(DoneHeader, "true")
	}

	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) size(r *http.Request) (int, error) {
	size := h.DefaultSize
	if size <= 0 {
		size = 100
	}

	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return 0, errors.New("size must be a positive integer")
		}

		size = n
	}

	if h.MaxSize > 0 && size > h.MaxSize {
		size = h.MaxSize
	}

	return size, nil
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}

	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
