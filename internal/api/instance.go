package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/ashureev/zapbridge/internal/config"
	"github.com/ashureev/zapbridge/internal/connector"
	"github.com/ashureev/zapbridge/internal/domain"
	"github.com/ashureev/zapbridge/internal/identity"
	"github.com/ashureev/zapbridge/internal/policy"
	"github.com/ashureev/zapbridge/internal/shared"
	"github.com/ashureev/zapbridge/internal/statuscache"
	"github.com/ashureev/zapbridge/internal/statusstream"
	"github.com/ashureev/zapbridge/internal/store"
)

var instanceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,63}$`)

// reservedNames collide with static routes under /api/instances.
var reservedNames = map[string]bool{"status": true}

// instanceLocks prevents concurrent create/delete of the same instance name.
var instanceLocks sync.Map

func lockInstance(name string) (unlock func(), ok bool) {
	v, _ := instanceLocks.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// InstanceHandler handles instance endpoints.
type InstanceHandler struct {
	repo      store.Repository
	connector Connector
	statuses  *StatusService
	streams   *statusstream.Registry
	stream    *statusstream.Handler
	authz     policy.Authorizer
	cfg       *config.Config
}

// NewInstanceHandler creates an instance handler.
func NewInstanceHandler(
	repo store.Repository,
	conn Connector,
	statuses *StatusService,
	streams *statusstream.Registry,
	stream *statusstream.Handler,
	authz policy.Authorizer,
	cfg *config.Config,
) *InstanceHandler {
	return &InstanceHandler{
		repo:      repo,
		connector: conn,
		statuses:  statuses,
		streams:   streams,
		stream:    stream,
		authz:     authz,
		cfg:       cfg,
	}
}

// RegisterRoutes registers instance routes.
func (h *InstanceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/instances", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/status", h.BulkStatus)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)
			r.Get("/connect", h.Connect)
			r.Get("/status", h.Status)
		})
	})
	r.Get("/ws/instances/{name}/status", h.StreamStatus)
}

type createInstanceRequest struct {
	Name               string `json:"name"`
	WorkflowWebhookURL string `json:"workflow_webhook_url"`
	AutoReply          bool   `json:"auto_reply"`
	SystemPrompt       string `json:"system_prompt"`
	// OwnerID lets an admin create an instance on behalf of a member.
	OwnerID string `json:"owner_id"`
}

// Create provisions an instance on the connector and stores its record.
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, h.authz, policy.ActionInstanceCreate, "") {
		return
	}

	var req createInstanceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !instanceNamePattern.MatchString(req.Name) || reservedNames[req.Name] {
		Error(w, http.StatusBadRequest, "name must be 3-64 letters, digits, '-' or '_'")
		return
	}

	unlock, ok := lockInstance(req.Name)
	if !ok {
		Error(w, http.StatusConflict, "instance operation already in progress")
		return
	}
	defer unlock()

	if _, err := h.repo.GetInstance(r.Context(), req.Name); err == nil {
		Error(w, http.StatusConflict, "instance already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Error("Failed to look up instance", "instance", req.Name, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create instance")
		return
	}

	created, err := h.connector.CreateInstance(r.Context(), connector.CreateRequest{
		InstanceName: req.Name,
		WebhookURL:   h.cfg.WebhookURL(req.Name),
	})
	if err != nil {
		slog.Error("Connector create failed", "instance", req.Name, "error", err)
		Error(w, http.StatusBadGateway, "connector create failed")
		return
	}

	owner := identity.UserIDFromContext(r.Context())
	if req.OwnerID != "" {
		owner = req.OwnerID
	}
	now := time.Now()
	inst := &domain.Instance{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		OwnerID:            owner,
		ConnectorID:        created.InstanceID,
		ConnectorToken:     created.Token,
		WorkflowWebhookURL: req.WorkflowWebhookURL,
		AutoReply:          req.AutoReply,
		SystemPrompt:       req.SystemPrompt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.repo.CreateInstance(r.Context(), inst); err != nil {
		slog.Error("Failed to store instance, rolling back connector instance", "instance", req.Name, "error", err)
		if delErr := h.connector.DeleteInstance(context.WithoutCancel(r.Context()), req.Name); delErr != nil {
			slog.Error("Connector rollback failed", "instance", req.Name, "error", delErr)
		}
		if errors.Is(err, store.ErrDuplicate) {
			Error(w, http.StatusConflict, "instance already exists")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to create instance")
		return
	}

	slog.Info("Instance created", "instance", inst.Name, "owner_id", inst.OwnerID, "connector_id", inst.ConnectorID)
	JSON(w, http.StatusCreated, inst)
}

// List returns every instance for admins and the caller's own otherwise.
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	instances, err := h.visibleInstances(r.Context())
	if err != nil {
		slog.Error("Failed to list instances", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	JSON(w, http.StatusOK, instances)
}

func (h *InstanceHandler) visibleInstances(ctx context.Context) ([]*domain.Instance, error) {
	owner := identity.UserIDFromContext(ctx)
	if can(ctx, h.authz, policy.ActionInstanceListAll, "") {
		owner = ""
	}
	return h.repo.ListInstances(ctx, owner)
}

// loadInstance fetches the {name} instance and authorizes action on it.
func (h *InstanceHandler) loadInstance(w http.ResponseWriter, r *http.Request, action string) (*domain.Instance, bool) {
	name := chi.URLParam(r, "name")
	inst, err := h.repo.GetInstance(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "instance not found")
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to load instance", "instance", name, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load instance")
		return nil, false
	}
	if !authorize(w, r, h.authz, action, inst.OwnerID) {
		return nil, false
	}
	return inst, true
}

// Get returns a single instance.
func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.loadInstance(w, r, policy.ActionInstanceRead)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, inst)
}

type updateInstanceRequest struct {
	WorkflowWebhookURL *string `json:"workflow_webhook_url"`
	AutoReply          *bool   `json:"auto_reply"`
	SystemPrompt       *string `json:"system_prompt"`
}

// Update changes the relay and auto-reply settings of an instance.
func (h *InstanceHandler) Update(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.loadInstance(w, r, policy.ActionInstanceUpdate)
	if !ok {
		return
	}

	var req updateInstanceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkflowWebhookURL != nil {
		inst.WorkflowWebhookURL = *req.WorkflowWebhookURL
	}
	if req.AutoReply != nil {
		inst.AutoReply = *req.AutoReply
	}
	if req.SystemPrompt != nil {
		inst.SystemPrompt = *req.SystemPrompt
	}
	inst.UpdatedAt = time.Now()

	if err := h.repo.UpdateInstance(r.Context(), inst); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "instance not found")
			return
		}
		slog.Error("Failed to update instance", "instance", inst.Name, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update instance")
		return
	}
	JSON(w, http.StatusOK, inst)
}

// Delete removes an instance from the connector and the store, and closes
// its live status streams.
func (h *InstanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.loadInstance(w, r, policy.ActionInstanceDelete)
	if !ok {
		return
	}

	unlock, locked := lockInstance(inst.Name)
	if !locked {
		Error(w, http.StatusConflict, "instance operation already in progress")
		return
	}
	defer unlock()

	if err := h.connector.DeleteInstance(r.Context(), inst.Name); err != nil {
		slog.Error("Connector delete failed", "instance", inst.Name, "error", err)
		Error(w, http.StatusBadGateway, "connector delete failed")
		return
	}

	policyCfg := shared.RetryPolicy{
		MaxRetries: h.cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  h.cfg.Retry.DatabaseRetryBaseDelay,
	}
	err := shared.RetryOnConflict(r.Context(), policyCfg, func(ctx context.Context) error {
		return h.repo.DeleteInstance(ctx, inst.Name)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Failed to delete instance record", "instance", inst.Name, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete instance")
		return
	}

	h.statuses.Forget(inst.Name)
	h.streams.CloseInstance(inst.Name)

	slog.Info("Instance deleted", "instance", inst.Name, "user_id", identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Connect returns pairing material for an instance.
func (h *InstanceHandler) Connect(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.loadInstance(w, r, policy.ActionInstanceConnect)
	if !ok {
		return
	}

	qr, err := h.connector.Connect(r.Context(), inst.Name)
	if err != nil {
		if connector.IsRateLimited(err) {
			Error(w, http.StatusTooManyRequests, "connector rate limited")
			return
		}
		slog.Error("Connector connect failed", "instance", inst.Name, "error", err)
		Error(w, http.StatusBadGateway, "connector connect failed")
		return
	}
	h.statuses.Invalidate(inst.Name)
	JSON(w, http.StatusOK, qr)
}

// Status returns the cached connection status of an instance.
func (h *InstanceHandler) Status(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.loadInstance(w, r, policy.ActionStatusRead)
	if !ok {
		return
	}

	snap, err := h.statuses.Status(r.Context(), inst.Name)
	if err != nil {
		if errors.Is(err, statuscache.ErrStatusUnavailable) {
			slog.Warn("Instance status unavailable", "instance", inst.Name, "error", err)
			Error(w, http.StatusServiceUnavailable, "status_unavailable")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	JSON(w, http.StatusOK, newStatusResponse(inst.Name, snap))
}

// BulkStatus returns the status of every visible instance, fetching them
// with bounded concurrency.
func (h *InstanceHandler) BulkStatus(w http.ResponseWriter, r *http.Request) {
	instances, err := h.visibleInstances(r.Context())
	if err != nil {
		slog.Error("Failed to list instances", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list instances")
		return
	}

	results := make([]StatusResponse, len(instances))
	p := pool.New().WithMaxGoroutines(h.cfg.StatusCache.BulkConcurrency)
	for i, inst := range instances {
		p.Go(func() {
			snap, err := h.statuses.Status(r.Context(), inst.Name)
			if err != nil {
				results[i] = StatusResponse{Instance: inst.Name, Error: "status_unavailable"}
				return
			}
			results[i] = newStatusResponse(inst.Name, snap)
		})
	}
	p.Wait()

	JSON(w, http.StatusOK, results)
}

// StreamStatus upgrades to a websocket that pushes status snapshots.
func (h *InstanceHandler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.loadInstance(w, r, policy.ActionStatusRead)
	if !ok {
		return
	}
	h.stream.Serve(w, r, inst.Name)
}
