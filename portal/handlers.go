// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gatehouse-labs/gatehouse/events"
	"github.com/gatehouse-labs/gatehouse/hypervisor"
	"github.com/gatehouse-labs/gatehouse/lib/sealed"
	"github.com/gatehouse-labs/gatehouse/metrics"
	"github.com/gatehouse-labs/gatehouse/registry"
	"github.com/gatehouse-labs/gatehouse/request"
)

// submitPayload is the request submission body. The password arrives
// in clear over the (TLS-terminated) request body and is sealed
// before it touches storage; the heap copy is short-lived.
type submitPayload struct {
	Justification string     `json:"justification"`
	Kind          string     `json:"kind"`
	Hostname      string     `json:"hostname"`
	Cores         int        `json:"cores"`
	MemoryMB      int        `json:"memory_mb"`
	Storage       string     `json:"storage"`
	Password      string     `json:"password"`
	OSTemplate    string     `json:"os_template"`
	RootFSGB      int        `json:"rootfs_gb"`
	TemplateID    int        `json:"template_id"`
	GuestUser     string     `json:"guest_user"`
	DiskGB        int        `json:"disk_gb"`
	Environment   string     `json:"environment"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// requestView is the JSON shape of a request. The sealed credential
// is never rendered.
type requestView struct {
	ID            string     `json:"id"`
	RequesterID   string     `json:"requester_id"`
	Justification string     `json:"justification,omitempty"`
	Kind          string     `json:"kind"`
	Hostname      string     `json:"hostname"`
	Cores         int        `json:"cores"`
	MemoryMB      int        `json:"memory_mb"`
	Storage       string     `json:"storage,omitempty"`
	OSTemplate    string     `json:"os_template,omitempty"`
	RootFSGB      int        `json:"rootfs_gb,omitempty"`
	TemplateID    int        `json:"template_id,omitempty"`
	GuestUser     string     `json:"guest_user,omitempty"`
	DiskGB        int        `json:"disk_gb,omitempty"`
	Environment   string     `json:"environment,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Status        string     `json:"status"`
	ReviewerID    string     `json:"reviewer_id,omitempty"`
	ReviewComment string     `json:"review_comment,omitempty"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	ResourceID    int        `json:"resource_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func viewOf(r request.Request) requestView {
	return requestView{
		ID:            r.ID,
		RequesterID:   r.RequesterID,
		Justification: r.Justification,
		Kind:          string(r.Kind),
		Hostname:      r.Hostname,
		Cores:         r.Cores,
		MemoryMB:      r.MemoryMB,
		Storage:       r.Storage,
		OSTemplate:    r.OSTemplate,
		RootFSGB:      r.RootFSGB,
		TemplateID:    r.TemplateID,
		GuestUser:     r.GuestUser,
		DiskGB:        r.DiskGB,
		Environment:   r.Environment,
		ExpiresAt:     r.ExpiresAt,
		Status:        string(r.Status),
		ReviewerID:    r.ReviewerID,
		ReviewComment: r.ReviewComment,
		ReviewedAt:    r.ReviewedAt,
		ResourceID:    r.ResourceID,
		CreatedAt:     r.CreatedAt,
	}
}

func viewsOf(requests []request.Request) []requestView {
	views := make([]requestView, 0, len(requests))
	for _, r := range requests {
		views = append(views, viewOf(r))
	}
	return views
}

func (p *Portal) handleSubmit(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if payload.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	ciphertext, err := sealed.Seal([]byte(payload.Password), p.sealingKey)
	if err != nil {
		p.logger.Error("sealing guest credential failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sealing credential failed")
		return
	}

	submission := request.Submission{
		RequesterID:    principal.UserID,
		Justification:  payload.Justification,
		Kind:           request.Kind(payload.Kind),
		Hostname:       payload.Hostname,
		Cores:          payload.Cores,
		MemoryMB:       payload.MemoryMB,
		Storage:        payload.Storage,
		SealedPassword: ciphertext,
		OSTemplate:     payload.OSTemplate,
		RootFSGB:       payload.RootFSGB,
		TemplateID:     payload.TemplateID,
		GuestUser:      payload.GuestUser,
		DiskGB:         payload.DiskGB,
		Environment:    payload.Environment,
		ExpiresAt:      payload.ExpiresAt,
	}
	if err := submission.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := p.requests.Create(r.Context(), submission)
	if err != nil {
		p.fail(w, "creating request", err)
		return
	}

	p.events.Publish(events.Event{
		Subject:   events.SubjectRequestSubmitted,
		RequestID: created.ID,
		UserID:    principal.UserID,
	})
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (p *Portal) handleListOwnRequests(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	listed, err := p.requests.ListByRequester(r.Context(), principal.UserID, pageFrom(r))
	if err != nil {
		p.fail(w, "listing requests", err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(listed))
}

func (p *Portal) handleListAllRequests(w http.ResponseWriter, r *http.Request) {
	filter := request.ListFilter{
		Status: request.Status(r.URL.Query().Get("status")),
		Page:   pageFrom(r),
	}
	listed, err := p.requests.List(r.Context(), filter)
	if err != nil {
		p.fail(w, "listing requests", err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(listed))
}

func (p *Portal) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	found, err := p.requests.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		p.fail(w, "fetching request", err)
		return
	}
	if found.RequesterID != principal.UserID && !principal.Admin {
		// Non-owners learn nothing, not even existence.
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(found))
}

// reviewPayload is the review verdict body.
type reviewPayload struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment"`
}

func (p *Portal) handleReview(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id := r.PathValue("id")

	var payload reviewPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	start := time.Now()
	reviewed, err := p.requests.Review(r.Context(), id, request.ReviewDecision{
		ReviewerID: principal.UserID,
		Approve:    payload.Approve,
		Comment:    payload.Comment,
	}, p.provisioner)
	if err != nil {
		switch {
		case errors.Is(err, request.ErrInvalidState):
			metrics.ReviewOutcome("invalid_state")
		case payload.Approve && !errors.Is(err, request.ErrNotFound):
			metrics.ReviewOutcome("provision_failed")
			p.events.Publish(events.Event{
				Subject:   events.SubjectProvisionFailed,
				RequestID: id,
				UserID:    principal.UserID,
			})
		}
		p.fail(w, "reviewing request", err)
		return
	}

	if payload.Approve {
		metrics.ReviewOutcome("approved")
		metrics.ObserveProvision(string(reviewed.Kind), time.Since(start))
		p.events.Publish(events.Event{
			Subject:    events.SubjectRequestApproved,
			RequestID:  reviewed.ID,
			ResourceID: reviewed.ResourceID,
			UserID:     principal.UserID,
		})
		p.events.Publish(events.Event{
			Subject:    events.SubjectResourceProvisioned,
			RequestID:  reviewed.ID,
			ResourceID: reviewed.ResourceID,
			UserID:     reviewed.RequesterID,
		})
	} else {
		metrics.ReviewOutcome("rejected")
		p.events.Publish(events.Event{
			Subject:   events.SubjectRequestRejected,
			RequestID: reviewed.ID,
			UserID:    principal.UserID,
		})
	}
	writeJSON(w, http.StatusOK, viewOf(reviewed))
}

// resourceView is the JSON shape of one merged listing entry.
type resourceView struct {
	VMID          int     `json:"vmid"`
	Name          string  `json:"name"`
	Node          string  `json:"node"`
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	CPU           float64 `json:"cpu"`
	MaxCPU        int     `json:"maxcpu"`
	MemBytes      int64   `json:"mem_bytes"`
	MaxMemBytes   int64   `json:"maxmem_bytes"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Managed       bool    `json:"managed"`
	OwnerID       string  `json:"owner_id,omitempty"`
	Environment   string  `json:"environment,omitempty"`
	OSDescription string  `json:"os_description,omitempty"`
}

func resourceViewsOf(resources []registry.Resource) []resourceView {
	views := make([]resourceView, 0, len(resources))
	for _, resource := range resources {
		views = append(views, resourceView{
			VMID:          resource.VMID,
			Name:          resource.Name,
			Node:          resource.Node,
			Kind:          string(resource.Type),
			Status:        resource.Status,
			CPU:           resource.CPU,
			MaxCPU:        resource.MaxCPU,
			MemBytes:      resource.Mem,
			MaxMemBytes:   resource.MaxMem,
			UptimeSeconds: resource.Uptime,
			Managed:       resource.Managed,
			OwnerID:       resource.OwnerID,
			Environment:   resource.Environment,
			OSDescription: resource.OSDescription,
		})
	}
	return views
}

// handleListResources returns the merged cluster/registry listing.
// Admins see every guest; other users see only the guests they own.
func (p *Portal) handleListResources(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	guests, err := p.cluster.ListGuests(r.Context())
	if err != nil {
		p.fail(w, "listing cluster guests", err)
		return
	}
	records, err := p.registry.List(r.Context())
	if err != nil {
		p.fail(w, "listing registry", err)
		return
	}

	merged := registry.Merge(guests, records)
	if !principal.Admin {
		merged = registry.OwnedBy(merged, principal.UserID)
	}
	writeJSON(w, http.StatusOK, resourceViewsOf(merged))
}

func (p *Portal) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := p.cluster.ListNodes(r.Context())
	if err != nil {
		p.fail(w, "listing nodes", err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

type vmTemplateView struct {
	VMID int    `json:"vmid"`
	Name string `json:"name"`
	Node string `json:"node"`
}

func (p *Portal) handleListVMTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := p.cluster.ListVMTemplates(r.Context())
	if err != nil {
		p.fail(w, "listing vm templates", err)
		return
	}
	views := make([]vmTemplateView, 0, len(templates))
	for _, template := range templates {
		views = append(views, vmTemplateView{
			VMID: template.VMID,
			Name: template.Name,
			Node: template.Node,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type containerTemplateView struct {
	VolID  string `json:"volid"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
}

func (p *Portal) handleListContainerTemplates(w http.ResponseWriter, r *http.Request) {
	archives, err := p.cluster.ListContainerTemplates(r.Context(), p.templateNode, p.templateStorage)
	if err != nil {
		p.fail(w, "listing container templates", err)
		return
	}
	views := make([]containerTemplateView, 0, len(archives))
	for _, archive := range archives {
		views = append(views, containerTemplateView{
			VolID:  archive.VolID,
			Format: archive.Format,
			Size:   archive.Size,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

var powerActions = map[string]hypervisor.PowerAction{
	"start":    hypervisor.ActionStart,
	"stop":     hypervisor.ActionStop,
	"shutdown": hypervisor.ActionShutdown,
	"reboot":   hypervisor.ActionReboot,
	"reset":    hypervisor.ActionReset,
}

func (p *Portal) handlePower(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	vmid, err := strconv.Atoi(r.PathValue("vmid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}
	action, ok := powerActions[r.PathValue("action")]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown power action")
		return
	}

	if !principal.Admin {
		record, err := p.registry.Get(r.Context(), vmid)
		if err != nil || record.OwnerID != principal.UserID {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
	}

	guest, err := p.cluster.ResolveGuest(r.Context(), vmid)
	if err != nil {
		p.fail(w, "resolving guest", err)
		return
	}
	task, err := p.cluster.Power(r.Context(), guest.Node, guest.Type, vmid, action)
	if err != nil {
		p.fail(w, "power action", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"node": task.Node,
		"task": task.UPID,
	})
}

// consoleKinds maps the console path segment to the guest kind it is
// valid for: VNC consoles exist only on VMs, terminal consoles only
// on containers.
var consoleKinds = map[string]hypervisor.ResourceKind{
	"vnc":  hypervisor.KindVM,
	"term": hypervisor.KindContainer,
}

func (p *Portal) handleConsoleTicket(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	vmid, err := strconv.Atoi(r.PathValue("vmid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}
	wantKind, ok := consoleKinds[r.PathValue("kind")]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown console kind")
		return
	}

	if !principal.Admin {
		record, err := p.registry.Get(r.Context(), vmid)
		if err != nil || record.OwnerID != principal.UserID {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
	}

	guest, err := p.cluster.ResolveGuest(r.Context(), vmid)
	if err != nil {
		p.fail(w, "resolving guest", err)
		return
	}
	if guest.Type != wantKind {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("%s console not available for a %s guest", r.PathValue("kind"), guest.Type))
		return
	}

	ticket, err := p.cluster.MintConsoleTicket(r.Context(), guest.Node, guest.Type, vmid)
	if err != nil {
		p.fail(w, "minting console ticket", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"node":   guest.Node,
		"ticket": ticket.Ticket,
		"port":   ticket.Port,
		"user":   ticket.User,
	})
}

func (p *Portal) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	vmid, err := strconv.Atoi(r.PathValue("vmid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}

	if err := p.provisioner.Deprovision(r.Context(), vmid); err != nil {
		p.fail(w, "deprovisioning", err)
		return
	}

	p.events.Publish(events.Event{
		Subject:    events.SubjectResourceDeprovisioned,
		ResourceID: vmid,
		UserID:     principal.UserID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func pageFrom(r *http.Request) request.Page {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	return request.Page{Limit: limit, Offset: offset}
}

// fail maps a domain error to an HTTP status and logs it.
func (p *Portal) fail(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		p.logger.Error(action+" failed", "error", err)
	} else {
		p.logger.Debug(action+" failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// statusFor folds the failure taxonomy into HTTP statuses: missing
// things are 404, state-machine violations 409, cluster
// unreachability 502, watcher give-up 504, cluster rejections 502.
func statusFor(err error) int {
	var apiErr *hypervisor.APIError
	switch {
	case errors.Is(err, request.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, hypervisor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, request.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, hypervisor.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, hypervisor.ErrConnection):
		return http.StatusBadGateway
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already written; an encode failure here
	// means the client went away.
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
