package main

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	bookbot "github.com/ferro-labs/bookbot"
	"github.com/ferro-labs/bookbot/internal/agents"
	"github.com/ferro-labs/bookbot/internal/circuitbreaker"
	"github.com/ferro-labs/bookbot/internal/library"
	"github.com/ferro-labs/bookbot/internal/llm"
	"github.com/ferro-labs/bookbot/internal/logging"
	"github.com/ferro-labs/bookbot/internal/ratelimit"
	"github.com/ferro-labs/bookbot/internal/resource"
)

// maxBodyBytes bounds request bodies; summarize requests carry whole books.
const maxBodyBytes = 32 << 20

// newRouter builds the HTTP router.
func newRouter(lib *bookbot.Library, cfg bookbot.ServerConfig) http.Handler {
	a := &api{lib: lib}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(logging.AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.CORSOrigins...))
	if cfg.ClientRateLimit.RequestsPerWindow > 0 {
		r.Use(clientRateLimit(ratelimit.NewStore("client", cfg.ClientRateLimit.LimiterConfig())))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/books", a.listBooks)
		r.Post("/books", a.addBook)
		r.Route("/books/{id}", func(r chi.Router) {
			r.Get("/", a.getBook)
			r.Get("/summaries", a.listSummaries)
			r.Post("/summaries", a.addSummary)
			r.Post("/summarize", a.summarize)
		})
		r.Post("/select", a.selectBooks)
		r.Post("/query", a.query)

		r.Get("/usage", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, lib.Usage())
		})
		r.Get("/resources", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, lib.Resources())
		})
		r.Get("/ratelimit", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, lib.RateLimit())
		})
		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, lib.Stats())
		})
	})

	return r
}

type api struct {
	lib *bookbot.Library
}

func (a *api) listBooks(w http.ResponseWriter, r *http.Request) {
	books, err := a.lib.ListBooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if books == nil {
		books = []library.Book{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"books": books})
}

func (a *api) addBook(w http.ResponseWriter, r *http.Request) {
	var nb agents.NewBook
	if !decodeJSON(w, r, &nb) {
		return
	}
	book, err := a.lib.AddBook(r.Context(), nb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (a *api) getBook(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	book, err := a.lib.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (a *api) listSummaries(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	sums, err := a.lib.Summaries(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sums == nil {
		sums = []library.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summaries": sums})
}

func (a *api) addSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	var ns agents.NewSummary
	if !decodeJSON(w, r, &ns) {
		return
	}
	ns.BookID = id
	sum, err := a.lib.AddSummary(r.Context(), ns)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

type summarizeRequest struct {
	Text string `json:"text"`
}

func (a *api) summarize(w http.ResponseWriter, r *http.Request) {
	id, ok := bookID(w, r)
	if !ok {
		return
	}
	var req summarizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.lib.Summarize(r.Context(), id, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type selectRequest struct {
	Books []agents.Candidate `json:"books"`
	// Add stores every selected book in the library.
	Add bool `json:"add"`
}

type selectResponse struct {
	*agents.Selection
	Added []library.Book `json:"added,omitempty"`
}

func (a *api) selectBooks(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sel, err := a.lib.SelectBooks(r.Context(), req.Books)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := selectResponse{Selection: sel}
	if req.Add {
		for _, as := range sel.Selected {
			book, err := a.lib.AddBook(r.Context(), newBookFrom(as.Candidate))
			if err != nil {
				writeError(w, err)
				return
			}
			resp.Added = append(resp.Added, *book)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type queryRequest struct {
	Question string `json:"question"`
}

func (a *api) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ans, err := a.lib.Ask(r.Context(), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func newBookFrom(c agents.Candidate) agents.NewBook {
	return agents.NewBook{
		Title:       c.Title,
		Author:      c.Author,
		Description: c.Description,
		Content:     c.Content,
		Metadata:    c.Metadata,
	}
}

func bookID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErrorMessage(w, http.StatusBadRequest, "invalid book id", "invalid_request_error")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeErrorMessage(w, status, "invalid request body: "+err.Error(), "invalid_request_error")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a Library error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, agents.ErrInvalidInput),
		errors.Is(err, agents.ErrNoBooks),
		errors.Is(err, agents.ErrNoQuestion):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, llm.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, resource.ErrCapacityExceeded),
		errors.Is(err, circuitbreaker.ErrCircuitOpen),
		errors.Is(err, agents.ErrInactive):
		return http.StatusServiceUnavailable, "unavailable_error"
	case errors.Is(err, agents.ErrInvalidOutput),
		errors.Is(err, llm.ErrEmptyResponse):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, errType := statusFor(err)
	writeErrorMessage(w, status, err.Error(), errType)
}

// writeErrorMessage writes a JSON error body of the form
// {"error":{"message":...,"type":...}}.
func writeErrorMessage(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
		},
	})
}

// clientRateLimit limits requests per client IP. It runs after
// middleware.RealIP so RemoteAddr is the client address.
func clientRateLimit(store *ratelimit.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			lim := store.Limiter(clientKey(r.RemoteAddr))
			if !lim.Acquire() {
				secs := int(math.Ceil(lim.TimeUntilNextToken().Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeErrorMessage(w, http.StatusTooManyRequests, "too many requests", "rate_limit_error")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(remoteAddr)
}
