package profile

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
)

// API exposes profile CRUD over HTTP for the dashboard UI.
type API struct {
	Store  *Store
	Logger *slog.Logger
}

// Register mounts the endpoints on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/servers", a.list)
	mux.HandleFunc("POST /api/servers", a.create)
	mux.HandleFunc("DELETE /api/servers/{id}", a.delete)
}

func (a *API) list(w http.ResponseWriter, _ *http.Request) {
	profiles := a.Store.List()
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	writeJSON(w, http.StatusOK, profiles)
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string `json:"name"`
		Host     string `json:"host"`
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	p, err := a.Store.Create(Profile{Name: in.Name, Host: in.Host, User: in.User, Password: in.Password})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a.logger().Info("server profile created", "id", p.ID, "host", p.Host)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Store.Delete(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	a.logger().Info("server profile deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
