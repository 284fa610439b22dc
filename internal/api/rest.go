package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/frontend"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

// Interactions is implemented by *frontend.Handler.
type Interactions interface {
	Handle(ctx context.Context, in frontend.Interaction) (*frontend.Ack, error)
}

// Catalog is the admin write path for specs and guilds.
type Catalog interface {
	PutSpec(ctx context.Context, spec *models.Spec) error
	PutGuild(ctx context.Context, guild *models.Guild) error
}

type Handler struct {
	interactions Interactions
	catalog      Catalog
	validate     *validator.Validate
	log          *zap.Logger
}

// NewHTTPHandler serves the interaction intake and the admin catalog.
func NewHTTPHandler(interactions Interactions, catalog Catalog, log *zap.Logger) http.Handler {
	h := &Handler{
		interactions: interactions,
		catalog:      catalog,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		log:          log.Named("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("POST /interactions", h.handleInteraction)
	mux.HandleFunc("PUT /admin/specs", h.handlePutSpec)
	mux.HandleFunc("PUT /admin/guilds", h.handlePutGuild)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from serverbot"})
}

func (h *Handler) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var in frontend.Interaction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	ack, err := h.interactions.Handle(r.Context(), in)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) handlePutSpec(w http.ResponseWriter, r *http.Request) {
	var spec models.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.catalog.PutSpec(r.Context(), &spec); err != nil {
		h.log.Error("put spec", zap.String("spec", spec.Name), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to store spec")
		return
	}
	writeJSON(w, http.StatusOK, &spec)
}

func (h *Handler) handlePutGuild(w http.ResponseWriter, r *http.Request) {
	var guild models.Guild
	if err := json.NewDecoder(r.Body).Decode(&guild); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.validate.Struct(&guild); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.catalog.PutGuild(r.Context(), &guild); err != nil {
		h.log.Error("put guild", zap.String("guild", guild.ID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to store guild")
		return
	}
	writeJSON(w, http.StatusOK, &guild)
}

// StatusCode maps a classified error onto an HTTP status.
func StatusCode(err error) int {
	switch faults.KindOf(err) {
	case faults.KindUnauthorized:
		return http.StatusForbidden
	case faults.KindUnknownSpec, faults.KindUnknownServer:
		return http.StatusNotFound
	case faults.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case faults.KindServerBusy:
		return http.StatusConflict
	case faults.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	writeJSON(w, status, ErrorBody{Error: faults.UserMessage(err), Kind: string(faults.KindOf(err))})
	h.log.Debug("interaction failed", zap.Int("status", status), zap.Error(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorBody{Error: msg})
	h.log.Debug("http error", zap.Int("status", status), zap.String("msg", msg))
}
