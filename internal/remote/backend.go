package remote

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/roach88/outbox/internal/record"
)

// Backend is an in-memory versioned entity server speaking the same wire
// contract as Client. Every stored entity starts at version 1 and gains one
// version per accepted update.
//
// Writes carrying an Idempotency-Key are answered from a response cache
// when the key repeats, so a retried mutation is applied at most once.
type Backend struct {
	mu       sync.Mutex
	entities map[string]map[string]record.Entity // collection -> id -> entity
	replies  map[string]reply                    // idempotency key -> first reply
	failures []int                               // injected statuses, consumed FIFO
	newID    func() string
	logger   *slog.Logger
}

type reply struct {
	status int
	body   []byte
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithIDFunc overrides how the backend assigns IDs to created entities.
func WithIDFunc(fn func() string) BackendOption {
	return func(b *Backend) {
		b.newID = fn
	}
}

// WithBackendLogger sets the logger used for request diagnostics.
func WithBackendLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) {
		b.logger = l
	}
}

// NewBackend creates an empty backend.
func NewBackend(opts ...BackendOption) *Backend {
	b := &Backend{
		entities: make(map[string]map[string]record.Entity),
		replies:  make(map[string]reply),
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handler returns the HTTP routes of the backend.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/{collection}", func(r chi.Router) {
		r.Get("/", b.handleList)
		r.Post("/", b.handleCreate)
		r.Get("/{id}", b.handleGet)
		r.Put("/{id}", b.handleUpdate)
		r.Delete("/{id}", b.handleDelete)
	})

	return r
}

// Put stores data for an entity as another client would, bumping its
// version. It returns the stored entity.
func (b *Backend) Put(t record.EntityType, id string, data record.Snapshot) record.Entity {
	collection, err := Collection(t)
	if err != nil {
		panic(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entities := b.collection(collection)
	e := entities[id]
	e.ID = id
	e.Version++
	e.Data = data.Clone()
	entities[id] = e
	return cloneEntity(e)
}

// Get returns the stored entity, if any.
func (b *Backend) Get(t record.EntityType, id string) (record.Entity, bool) {
	collection, err := Collection(t)
	if err != nil {
		return record.Entity{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entities[collection][id]
	if !ok {
		return record.Entity{}, false
	}
	return cloneEntity(e), true
}

// FailNext makes the next len(statuses) write requests fail with the given
// HTTP statuses, in order, before they touch any state.
func (b *Backend) FailNext(statuses ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, statuses...)
}

func (b *Backend) collection(name string) map[string]record.Entity {
	entities, ok := b.entities[name]
	if !ok {
		entities = make(map[string]record.Entity)
		b.entities[name] = entities
	}
	return entities
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	collection, ok := b.resolveCollection(w, r)
	if !ok {
		return
	}

	b.mu.Lock()
	out := make([]record.Entity, 0, len(b.entities[collection]))
	for _, e := range b.entities[collection] {
		out = append(out, cloneEntity(e))
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleGet(w http.ResponseWriter, r *http.Request) {
	collection, ok := b.resolveCollection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	e, found := b.entities[collection][id]
	b.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection, ok := b.resolveCollection(w, r)
	if !ok {
		return
	}

	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	b.write(w, r, func() (int, any) {
		e := record.Entity{ID: b.newID(), Version: 1, Data: nonNil(body.Data).Clone()}
		b.collection(collection)[e.ID] = e
		return http.StatusCreated, cloneEntity(e)
	})
}

func (b *Backend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	collection, ok := b.resolveCollection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var body updateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	b.write(w, r, func() (int, any) {
		entities := b.collection(collection)
		e, found := entities[id]
		if !found {
			return http.StatusNotFound, errorBody{Error: "entity not found"}
		}
		if body.Version != e.Version {
			return http.StatusConflict, conflictBody{CurrentData: e.Data.Clone(), CurrentVersion: e.Version}
		}

		// Updates are partial: fields absent from the body keep their value.
		data := e.Data.Clone()
		for k, v := range body.Data {
			data[k] = v
		}
		e.Data = data
		e.Version++
		entities[id] = e
		return http.StatusOK, cloneEntity(e)
	})
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection, ok := b.resolveCollection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	b.write(w, r, func() (int, any) {
		entities := b.collection(collection)
		if _, found := entities[id]; !found {
			return http.StatusNotFound, errorBody{Error: "entity not found"}
		}
		delete(entities, id)
		return http.StatusNoContent, nil
	})
}

// write runs apply under the lock, honoring injected failures and the
// idempotency cache.
func (b *Backend) write(w http.ResponseWriter, r *http.Request, apply func() (int, any)) {
	key := r.Header.Get(IdempotencyHeader)

	b.mu.Lock()
	if len(b.failures) > 0 {
		status := b.failures[0]
		b.failures = b.failures[1:]
		b.mu.Unlock()
		b.logger.Debug("injected failure", "method", r.Method, "path", r.URL.Path, "status", status)
		writeError(w, status, http.StatusText(status))
		return
	}
	if key != "" {
		if prev, ok := b.replies[key]; ok {
			b.mu.Unlock()
			b.logger.Debug("idempotent replay", "key", key, "status", prev.status)
			writeRaw(w, prev.status, prev.body)
			return
		}
	}

	status, out := apply()
	var body []byte
	if out != nil {
		body, _ = json.Marshal(out)
	}
	// Only accepted writes are cached; a conflict or rejection must be
	// re-evaluated when the client retries with new data.
	if key != "" && status < 300 {
		b.replies[key] = reply{status: status, body: body}
	}
	b.mu.Unlock()

	writeRaw(w, status, body)
}

func (b *Backend) resolveCollection(w http.ResponseWriter, r *http.Request) (string, bool) {
	collection := chi.URLParam(r, "collection")
	if _, ok := EntityTypeFor(collection); !ok {
		writeError(w, http.StatusNotFound, "unknown collection "+collection)
		return "", false
	}
	return collection, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	if len(body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

func cloneEntity(e record.Entity) record.Entity {
	e.Data = e.Data.Clone()
	return e
}
