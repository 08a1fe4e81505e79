// Package httpapi exposes upload admission, notification intake, asset lookup
// and recipe endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

type Admitter interface {
	Admit(ctx context.Context, recipePK string) (asset.UploadIntent, asset.Notification, error)
}

type Enqueuer interface {
	Push(ctx context.Context, body []byte) (string, error)
}

type AssetReader interface {
	Get(ctx context.Context, id string) (asset.Asset, error)
}

type Recipes interface {
	Create(ctx context.Context, r asset.Recipe) (asset.Recipe, error)
	List(ctx context.Context, limit int64) ([]asset.Recipe, error)
}

type Server struct {
	Admitter      Admitter
	Notifications Enqueuer
	Assets        AssetReader
	Recipes       Recipes
	SharedSecret  string
	ProjectName   string
	Logger        *slog.Logger
}

const maxBody = 1 << 20

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.accessLog)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authorize, s.stackHeader)
	api.HandleFunc("/uploads", s.createUpload).Methods(http.MethodPost)
	api.HandleFunc("/notifications", s.enqueueNotification).Methods(http.MethodPost)
	api.HandleFunc("/assets/{id:.+}", s.getAsset).Methods(http.MethodGet)
	api.HandleFunc("/recipes", s.createRecipe).Methods(http.MethodPost)
	api.HandleFunc("/recipes", s.listRecipes).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "Unsupported method " + req.Method + "."})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadRequest struct {
	RecipePK string `json:"recipe_pk"`
}

type uploadResponse struct {
	Upload              asset.UploadIntent `json:"upload"`
	NotificationMessage asset.Notification `json:"notification_message"`
}

func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	intent, message, err := s.Admitter.Admit(r.Context(), req.RecipePK)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Upload: intent, NotificationMessage: message})
}

func (s *Server) enqueueNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	n, err := asset.ParseNotification(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	normalized, err := json.Marshal(n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.Notifications.Push(r.Context(), normalized)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id})
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.Assets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type recipeRequest struct {
	Name        string   `json:"name"`
	Author      string   `json:"author"`
	Ingredients []string `json:"ingredients"`
	Steps       []string `json:"steps"`
}

func (s *Server) createRecipe(w http.ResponseWriter, r *http.Request) {
	var req recipeRequest
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.Recipes.Create(r.Context(), asset.Recipe{
		Name:        req.Name,
		Author:      req.Author,
		Ingredients: req.Ingredients,
		Steps:       req.Steps,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     strings.TrimPrefix(created.PK, "RECIPE#"),
		"pk":     created.PK,
		"sk":     created.SK,
		"status": "stored",
	})
}

func (s *Server) listRecipes(w http.ResponseWriter, r *http.Request) {
	limit := int64(25)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			s.writeError(w, badRequest(errors.New("limit must be a positive integer")))
			return
		}
		limit = parsed
	}
	items, err := s.Recipes.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// decodeOptional decodes a JSON body, treating an empty body as an empty object.
func decodeOptional(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return badRequest(err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest(err)
	}
	return nil
}

func badRequest(err error) error {
	return errors.Join(asset.ErrPermanentInput, err)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, asset.ErrPermanentInput):
		status = http.StatusBadRequest
	case errors.Is(err, asset.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, asset.ErrTransientDependency):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger().Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
