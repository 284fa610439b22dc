// Package frontend is the synchronous half of the bot. It validates and
// authorizes a parsed chat interaction, enqueues exactly one command for
// the worker and acknowledges right away; lifecycle work never happens on
// this path.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	"github.com/devghori1264/aerophoenix/serverbot/internal/queue"
	"github.com/devghori1264/aerophoenix/serverbot/internal/storage"
	"github.com/devghori1264/aerophoenix/serverbot/internal/telemetry"
)

// Ack statuses.
const (
	StatusDeferred = "deferred"
	StatusOK       = "ok"
)

var serverNameRe = regexp.MustCompile(`^[a-z0-9-]{1,32}$`)

// Interaction is a chat command after signature verification and parsing.
type Interaction struct {
	GuildID     string        `json:"guildId" validate:"required"`
	RequesterID string        `json:"requesterId" validate:"required"`
	Action      models.Action `json:"action" validate:"oneof=create start stop delete status"`
	ServerName  string        `json:"serverName" validate:"servername"`
	SpecName    string        `json:"specName,omitempty" validate:"required_if=Action create"`
}

// ServerStatus is the synchronous answer to a status interaction.
type ServerStatus struct {
	Name     string              `json:"name"`
	Spec     string              `json:"spec"`
	Desired  models.DesiredState `json:"desired"`
	Phase    models.Phase        `json:"phase,omitempty"`
	Endpoint string              `json:"endpoint,omitempty"`
}

// Ack is returned to the chat layer within its response deadline.
type Ack struct {
	RequestID string        `json:"requestId,omitempty"`
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Server    *ServerStatus `json:"server,omitempty"`
}

// Catalog is the read-only view of the state store the frontend needs.
type Catalog interface {
	GetSpec(ctx context.Context, name string) (*models.Spec, error)
	GetGuild(ctx context.Context, id string) (*models.Guild, error)
	GetServer(ctx context.Context, guildID, name string) (*models.Server, error)
	ListServers(ctx context.Context, guildID string) ([]*models.Server, error)
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
}

type Handler struct {
	store    Catalog
	commands queue.Sender
	validate *validator.Validate
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

func New(store Catalog, commands queue.Sender, metrics *telemetry.Metrics, log *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		commands: commands,
		validate: NewValidator(),
		metrics:  metrics,
		log:      log.Named("frontend"),
	}
}

// NewValidator returns a validator that knows the servername tag.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("servername", func(fl validator.FieldLevel) bool {
		return serverNameRe.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register servername validation: %v", err))
	}
	return v
}

// Handle validates, authorizes and enqueues one interaction.
func (h *Handler) Handle(ctx context.Context, in Interaction) (*Ack, error) {
	ack, err := h.handle(ctx, in)
	outcome := "ok"
	if err != nil {
		outcome = string(faults.KindOf(err))
		h.log.Info("interaction rejected",
			zap.String("guild", in.GuildID),
			zap.String("server", in.ServerName),
			zap.String("action", string(in.Action)),
			zap.Error(err))
	}
	h.metrics.Interaction(string(in.Action), outcome)
	return ack, err
}

func (h *Handler) handle(ctx context.Context, in Interaction) (*Ack, error) {
	if err := h.validate.Struct(in); err != nil {
		return nil, &faults.Error{Kind: faults.KindInvalidRequest, Op: string(in.Action), Msg: validationMessage(err), Err: err}
	}
	key := models.ServerKey(in.GuildID, in.ServerName)

	guild, err := h.store.GetGuild(ctx, in.GuildID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, faults.New(faults.KindUnauthorized, string(in.Action), in.GuildID, "guild is not registered")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "load guild", err)
	}
	if !guild.Allows(in.RequesterID) {
		return nil, faults.New(faults.KindUnauthorized, string(in.Action), in.GuildID, "requester not authorized")
	}

	switch in.Action {
	case models.ActionStatus:
		return h.status(ctx, in)
	case models.ActionCreate:
		if err := h.checkCreate(ctx, in, guild); err != nil {
			return nil, err
		}
	case models.ActionDelete:
		if err := h.checkDelete(ctx, in); err != nil {
			return nil, err
		}
	}

	cmd := &models.Command{
		GuildID:     in.GuildID,
		ServerName:  in.ServerName,
		Action:      in.Action,
		RequestID:   uuid.NewString(),
		SpecName:    in.SpecName,
		RequesterID: in.RequesterID,
	}
	body, err := cmd.Encode()
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "encode command", err)
	}
	if err := h.commands.Send(ctx, body); err != nil {
		return nil, &faults.Error{Kind: faults.KindTransient, Op: "enqueue", Key: key, Err: err}
	}
	h.log.Debug("command enqueued",
		zap.String("guild", in.GuildID),
		zap.String("server", in.ServerName),
		zap.String("action", string(in.Action)),
		zap.String("request_id", cmd.RequestID))
	return &Ack{RequestID: cmd.RequestID, Status: StatusDeferred}, nil
}

func (h *Handler) checkCreate(ctx context.Context, in Interaction, guild *models.Guild) error {
	if _, err := h.store.GetSpec(ctx, in.SpecName); errors.Is(err, storage.ErrNotFound) {
		return faults.New(faults.KindUnknownSpec, "create", in.SpecName, "spec not in catalog")
	} else if err != nil {
		return faults.Wrap(faults.KindTransient, "load spec", err)
	}
	if guild.Quota == 0 {
		return nil
	}
	servers, err := h.store.ListServers(ctx, in.GuildID)
	if err != nil {
		return faults.Wrap(faults.KindTransient, "list servers", err)
	}
	for _, s := range servers {
		if s.Name == in.ServerName {
			// replaying a create for an existing server is a no-op downstream
			return nil
		}
	}
	if len(servers) >= guild.Quota {
		return faults.New(faults.KindQuotaExceeded, "create", in.GuildID, "")
	}
	return nil
}

// checkDelete rejects deleting a server that is still attached or wanted
// running. The worker repeats the check under the generation fence.
func (h *Handler) checkDelete(ctx context.Context, in Interaction) error {
	srv, err := h.store.GetServer(ctx, in.GuildID, in.ServerName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return faults.Wrap(faults.KindTransient, "load server", err)
	}
	if srv.InstanceID != "" || srv.Desired != models.DesiredStopped {
		return faults.New(faults.KindServerBusy, "delete", models.ServerKey(in.GuildID, in.ServerName), "server is not stopped")
	}
	return nil
}

func (h *Handler) status(ctx context.Context, in Interaction) (*Ack, error) {
	srv, err := h.store.GetServer(ctx, in.GuildID, in.ServerName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, faults.New(faults.KindUnknownServer, "status", models.ServerKey(in.GuildID, in.ServerName), "")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "load server", err)
	}
	st := &ServerStatus{Name: srv.Name, Spec: srv.Spec, Desired: srv.Desired}
	if srv.InstanceID != "" {
		inst, err := h.store.GetInstance(ctx, srv.InstanceID)
		switch {
		case err == nil:
			st.Phase = inst.Phase
			st.Endpoint = inst.Endpoint
		case !errors.Is(err, storage.ErrNotFound):
			return nil, faults.Wrap(faults.KindTransient, "load instance", err)
		}
	}
	return &Ack{Status: StatusOK, Server: st}, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "servername":
		return "server name must be 1-32 lowercase letters, digits or dashes"
	case "required", "required_if":
		return fe.Field() + " is required"
	default:
		return fe.Field() + " is invalid"
	}
}
