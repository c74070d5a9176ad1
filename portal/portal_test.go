// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gatehouse-labs/gatehouse/hypervisor"
	"github.com/gatehouse-labs/gatehouse/lib/clock"
	"github.com/gatehouse-labs/gatehouse/lib/sealed"
	"github.com/gatehouse-labs/gatehouse/registry"
	"github.com/gatehouse-labs/gatehouse/request"
)

// fakeCluster answers the portal's read and power calls with canned
// data and records power actions.
type fakeCluster struct {
	nodes       []hypervisor.Node
	guests      []hypervisor.ClusterResource
	vmTemplates []hypervisor.ClusterResource
	archives    []hypervisor.StorageContent
	resolveErr  error
	powerErr    error

	powered       []string
	archivesQuery string
}

func (f *fakeCluster) ListNodes(ctx context.Context) ([]hypervisor.Node, error) {
	return f.nodes, nil
}

func (f *fakeCluster) ListGuests(ctx context.Context) ([]hypervisor.ClusterResource, error) {
	return f.guests, nil
}

func (f *fakeCluster) ListVMTemplates(ctx context.Context) ([]hypervisor.ClusterResource, error) {
	return f.vmTemplates, nil
}

func (f *fakeCluster) ListContainerTemplates(ctx context.Context, node, storage string) ([]hypervisor.StorageContent, error) {
	f.archivesQuery = node + "/" + storage
	return f.archives, nil
}

func (f *fakeCluster) ResolveGuest(ctx context.Context, vmid int) (hypervisor.ClusterResource, error) {
	if f.resolveErr != nil {
		return hypervisor.ClusterResource{}, f.resolveErr
	}
	for _, guest := range f.guests {
		if guest.VMID == vmid {
			return guest, nil
		}
	}
	return hypervisor.ClusterResource{}, fmt.Errorf("guest %d: %w", vmid, hypervisor.ErrNotFound)
}

func (f *fakeCluster) Power(ctx context.Context, node string, kind hypervisor.ResourceKind, vmid int, action hypervisor.PowerAction) (hypervisor.Task, error) {
	if f.powerErr != nil {
		return hypervisor.Task{}, f.powerErr
	}
	f.powered = append(f.powered, fmt.Sprintf("%s:%d", action, vmid))
	return hypervisor.Task{Node: node, UPID: "UPID:power"}, nil
}

func (f *fakeCluster) MintConsoleTicket(ctx context.Context, node string, kind hypervisor.ResourceKind, vmid int) (hypervisor.ConsoleTicket, error) {
	return hypervisor.ConsoleTicket{Ticket: "TICKET", Port: "5901", User: "gatehouse@pam"}, nil
}

// fakeProvisioner assigns a fixed resource id or fails, and records
// deprovisioned guests.
type fakeProvisioner struct {
	nextID        int
	provisionErr  error
	deprovisioned []int

	saw []request.Request
}

func (f *fakeProvisioner) Provision(ctx context.Context, r request.Request) (int, error) {
	f.saw = append(f.saw, r)
	if f.provisionErr != nil {
		return 0, f.provisionErr
	}
	return f.nextID, nil
}

func (f *fakeProvisioner) Deprovision(ctx context.Context, vmid int) error {
	f.deprovisioned = append(f.deprovisioned, vmid)
	return nil
}

type fixture struct {
	portal      *Portal
	handler     http.Handler
	keypair     *sealed.Keypair
	requests    *request.Store
	registry    *registry.Store
	cluster     *fakeCluster
	provisioner *fakeProvisioner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })

	requests, err := request.OpenStore(request.StoreConfig{
		Path:   filepath.Join(t.TempDir(), "requests.db"),
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("request.OpenStore: %v", err)
	}
	t.Cleanup(func() { requests.Close() })

	reg, err := registry.OpenStore(registry.StoreConfig{
		Path:   filepath.Join(t.TempDir(), "registry.db"),
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("registry.OpenStore: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	cluster := &fakeCluster{}
	provisioner := &fakeProvisioner{nextID: 120}

	p, err := New(Config{
		Requests:        requests,
		Registry:        reg,
		Cluster:         cluster,
		Provisioner:     provisioner,
		SealingKey:      keypair.PublicKey,
		TemplateNode:    "pve1",
		TemplateStorage: "local",
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &fixture{
		portal:      p,
		handler:     p.Handler(),
		keypair:     keypair,
		requests:    requests,
		registry:    reg,
		cluster:     cluster,
		provisioner: provisioner,
	}
}

type identity struct {
	user  string
	admin bool
}

func asUser(user string) identity  { return identity{user: user} }
func asAdmin(user string) identity { return identity{user: user, admin: true} }

func (f *fixture) do(t *testing.T, who identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if who.user != "" {
		req.Header.Set(HeaderUser, who.user)
	}
	if who.admin {
		req.Header.Set(HeaderAdmin, "true")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeInto[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(recorder.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", recorder.Body.String(), err)
	}
	return v
}

func containerBody() map[string]any {
	return map[string]any{
		"justification": "ephemeral ci runner",
		"kind":          "container",
		"hostname":      "runner-01",
		"cores":         2,
		"memory_mb":     2048,
		"password":      "swordfish",
		"os_template":   "local:vztmpl/debian-12.tar.zst",
		"rootfs_gb":     16,
		"environment":   "ci",
	}
}

func (f *fixture) submit(t *testing.T, who identity) requestView {
	t.Helper()
	recorder := f.do(t, who, "POST", "/api/requests", containerBody())
	if recorder.Code != http.StatusCreated {
		t.Fatalf("submit: status %d, body %s", recorder.Code, recorder.Body.String())
	}
	return decodeInto[requestView](t, recorder)
}

func TestRoutesRejectAnonymousCallers(t *testing.T) {
	f := newFixture(t)
	recorder := f.do(t, identity{}, "GET", "/api/requests", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", recorder.Code)
	}
}

func TestAdminRoutesRejectPlainUsers(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/admin/requests"},
		{"POST", "/api/admin/requests/abc/review"},
		{"DELETE", "/api/resources/100"},
	} {
		recorder := f.do(t, asUser("alice"), tc.method, tc.path, map[string]any{})
		if recorder.Code != http.StatusForbidden {
			t.Errorf("%s %s: status = %d, want 403", tc.method, tc.path, recorder.Code)
		}
	}
}

func TestSubmitSealsCredentialAndHidesIt(t *testing.T) {
	f := newFixture(t)
	created := f.submit(t, asUser("alice"))

	if created.Status != "pending" {
		t.Errorf("status = %q, want pending", created.Status)
	}
	if created.RequesterID != "alice" {
		t.Errorf("requester = %q, want alice", created.RequesterID)
	}

	// The response never carries credential material.
	recorder := f.do(t, asUser("alice"), "GET", "/api/requests/"+created.ID, nil)
	if strings.Contains(recorder.Body.String(), "swordfish") ||
		strings.Contains(recorder.Body.String(), "sealed") {
		t.Errorf("response leaks credential material: %s", recorder.Body.String())
	}

	// The stored ciphertext unseals back to the submitted password.
	stored, err := f.requests.Get(t.Context(), created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.SealedPassword == "" || stored.SealedPassword == "swordfish" {
		t.Fatalf("password stored as %q, want ciphertext", stored.SealedPassword)
	}
	plaintext, err := sealed.Unseal(stored.SealedPassword, f.keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	defer plaintext.Close()
	if got := string(plaintext.Bytes()); got != "swordfish" {
		t.Errorf("unsealed %q, want the submitted password", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	noPassword := containerBody()
	delete(noPassword, "password")
	if recorder := f.do(t, asUser("alice"), "POST", "/api/requests", noPassword); recorder.Code != http.StatusBadRequest {
		t.Errorf("missing password: status = %d, want 400", recorder.Code)
	}

	noHostname := containerBody()
	delete(noHostname, "hostname")
	if recorder := f.do(t, asUser("alice"), "POST", "/api/requests", noHostname); recorder.Code != http.StatusBadRequest {
		t.Errorf("missing hostname: status = %d, want 400", recorder.Code)
	}
}

func TestGetRequestHidesOtherUsersRequests(t *testing.T) {
	f := newFixture(t)
	created := f.submit(t, asUser("alice"))

	if recorder := f.do(t, asUser("alice"), "GET", "/api/requests/"+created.ID, nil); recorder.Code != http.StatusOK {
		t.Errorf("owner: status = %d, want 200", recorder.Code)
	}
	if recorder := f.do(t, asUser("bob"), "GET", "/api/requests/"+created.ID, nil); recorder.Code != http.StatusNotFound {
		t.Errorf("non-owner: status = %d, want 404", recorder.Code)
	}
	if recorder := f.do(t, asAdmin("admin1"), "GET", "/api/requests/"+created.ID, nil); recorder.Code != http.StatusOK {
		t.Errorf("admin: status = %d, want 200", recorder.Code)
	}
}

func TestReviewApproveAssignsResource(t *testing.T) {
	f := newFixture(t)
	created := f.submit(t, asUser("alice"))

	recorder := f.do(t, asAdmin("admin1"), "POST", "/api/admin/requests/"+created.ID+"/review",
		map[string]any{"approve": true, "comment": "ok"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("review: status %d, body %s", recorder.Code, recorder.Body.String())
	}
	reviewed := decodeInto[requestView](t, recorder)
	if reviewed.Status != "approved" || reviewed.ResourceID != 120 {
		t.Errorf("reviewed = %+v, want approved with resource 120", reviewed)
	}
	if reviewed.ReviewerID != "admin1" {
		t.Errorf("reviewer = %q, want admin1", reviewed.ReviewerID)
	}
	if len(f.provisioner.saw) != 1 || f.provisioner.saw[0].ID != created.ID {
		t.Errorf("provisioner saw %+v", f.provisioner.saw)
	}
}

func TestReviewRejectSkipsProvisioning(t *testing.T) {
	f := newFixture(t)
	created := f.submit(t, asUser("alice"))

	recorder := f.do(t, asAdmin("admin1"), "POST", "/api/admin/requests/"+created.ID+"/review",
		map[string]any{"approve": false, "comment": "no capacity"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("review: status %d, body %s", recorder.Code, recorder.Body.String())
	}
	reviewed := decodeInto[requestView](t, recorder)
	if reviewed.Status != "rejected" {
		t.Errorf("status = %q, want rejected", reviewed.Status)
	}
	if len(f.provisioner.saw) != 0 {
		t.Error("provisioner called on rejection")
	}
}

func TestReviewProvisionFailureSurfacesAndReverts(t *testing.T) {
	f := newFixture(t)
	created := f.submit(t, asUser("alice"))
	f.provisioner.provisionErr = fmt.Errorf("cluster unreachable: %w", hypervisor.ErrConnection)

	recorder := f.do(t, asAdmin("admin1"), "POST", "/api/admin/requests/"+created.ID+"/review",
		map[string]any{"approve": true, "comment": "ok"})
	if recorder.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", recorder.Code)
	}

	// The request is back in the queue with the failure noted.
	after := f.do(t, asAdmin("admin1"), "GET", "/api/requests/"+created.ID, nil)
	view := decodeInto[requestView](t, after)
	if view.Status != "pending" {
		t.Errorf("status = %q, want pending after failed provisioning", view.Status)
	}
	if !strings.Contains(view.ReviewComment, "provisioning failed") {
		t.Errorf("comment = %q, want failure note", view.ReviewComment)
	}
}

func TestReviewResolvedRequestConflicts(t *testing.T) {
	f := newFixture(t)
	created := f.submit(t, asUser("alice"))

	verdict := map[string]any{"approve": false, "comment": "no"}
	if recorder := f.do(t, asAdmin("admin1"), "POST", "/api/admin/requests/"+created.ID+"/review", verdict); recorder.Code != http.StatusOK {
		t.Fatalf("first review: status %d", recorder.Code)
	}
	if recorder := f.do(t, asAdmin("admin2"), "POST", "/api/admin/requests/"+created.ID+"/review", verdict); recorder.Code != http.StatusConflict {
		t.Errorf("second review: status = %d, want 409", recorder.Code)
	}
}

func TestListResourcesMergesAndScopes(t *testing.T) {
	f := newFixture(t)
	f.cluster.guests = []hypervisor.ClusterResource{
		{VMID: 100, Name: "runner-01", Node: "pve1", Type: hypervisor.KindContainer, Status: "running"},
		{VMID: 101, Name: "stray", Node: "pve2", Type: hypervisor.KindVM, Status: "stopped"},
	}
	if _, err := f.registry.Create(t.Context(), registry.Record{
		ResourceID: 100, OwnerID: "alice", Environment: "ci",
	}); err != nil {
		t.Fatalf("registry.Create: %v", err)
	}

	admin := decodeInto[[]resourceView](t, f.do(t, asAdmin("admin1"), "GET", "/api/resources", nil))
	if len(admin) != 2 {
		t.Fatalf("admin sees %d resources, want 2", len(admin))
	}
	if !admin[0].Managed || admin[0].OwnerID != "alice" {
		t.Errorf("managed guest = %+v", admin[0])
	}
	if admin[1].Managed {
		t.Errorf("stray guest marked managed: %+v", admin[1])
	}

	mine := decodeInto[[]resourceView](t, f.do(t, asUser("alice"), "GET", "/api/resources", nil))
	if len(mine) != 1 || mine[0].VMID != 100 {
		t.Errorf("alice sees %+v, want only guest 100", mine)
	}
}

func TestListTemplates(t *testing.T) {
	f := newFixture(t)
	f.cluster.vmTemplates = []hypervisor.ClusterResource{
		{VMID: 9000, Name: "debian-12-cloud", Node: "pve1", Type: hypervisor.KindVM, Template: 1},
	}
	f.cluster.archives = []hypervisor.StorageContent{
		{VolID: "local:vztmpl/debian-12.tar.zst", Content: "vztmpl", Format: "tzst", Size: 130023424},
	}

	vms := decodeInto[[]vmTemplateView](t, f.do(t, asUser("alice"), "GET", "/api/templates/vm", nil))
	if len(vms) != 1 || vms[0].VMID != 9000 || vms[0].Name != "debian-12-cloud" || vms[0].Node != "pve1" {
		t.Errorf("vm templates = %+v", vms)
	}

	archives := decodeInto[[]containerTemplateView](t, f.do(t, asUser("alice"), "GET", "/api/templates/container", nil))
	if len(archives) != 1 || archives[0].VolID != "local:vztmpl/debian-12.tar.zst" {
		t.Errorf("container templates = %+v", archives)
	}
	if archives[0].Format != "tzst" || archives[0].Size != 130023424 {
		t.Errorf("archive detail = %+v", archives[0])
	}
	if f.cluster.archivesQuery != "pve1/local" {
		t.Errorf("archive listing hit %q, want the configured node and storage", f.cluster.archivesQuery)
	}
}

func TestPowerRequiresOwnershipForPlainUsers(t *testing.T) {
	f := newFixture(t)
	f.cluster.guests = []hypervisor.ClusterResource{
		{VMID: 100, Node: "pve1", Type: hypervisor.KindContainer, Status: "stopped"},
		{VMID: 101, Node: "pve2", Type: hypervisor.KindVM, Status: "stopped"},
	}
	if _, err := f.registry.Create(t.Context(), registry.Record{ResourceID: 100, OwnerID: "alice"}); err != nil {
		t.Fatalf("registry.Create: %v", err)
	}

	if recorder := f.do(t, asUser("alice"), "POST", "/api/resources/100/power/start", nil); recorder.Code != http.StatusAccepted {
		t.Errorf("owner start: status = %d, want 202", recorder.Code)
	}
	if recorder := f.do(t, asUser("bob"), "POST", "/api/resources/100/power/start", nil); recorder.Code != http.StatusNotFound {
		t.Errorf("non-owner start: status = %d, want 404", recorder.Code)
	}
	if recorder := f.do(t, asUser("alice"), "POST", "/api/resources/101/power/start", nil); recorder.Code != http.StatusNotFound {
		t.Errorf("unmanaged guest: status = %d, want 404", recorder.Code)
	}
	if recorder := f.do(t, asAdmin("admin1"), "POST", "/api/resources/101/power/stop", nil); recorder.Code != http.StatusAccepted {
		t.Errorf("admin on unmanaged guest: status = %d, want 202", recorder.Code)
	}
	if recorder := f.do(t, asUser("alice"), "POST", "/api/resources/100/power/detonate", nil); recorder.Code != http.StatusBadRequest {
		t.Errorf("unknown action: status = %d, want 400", recorder.Code)
	}

	want := []string{"start:100", "stop:101"}
	if len(f.cluster.powered) != len(want) {
		t.Fatalf("powered = %v, want %v", f.cluster.powered, want)
	}
	for i := range want {
		if f.cluster.powered[i] != want[i] {
			t.Errorf("powered[%d] = %q, want %q", i, f.cluster.powered[i], want[i])
		}
	}
}

func TestConsoleTicketMatchesGuestKind(t *testing.T) {
	f := newFixture(t)
	f.cluster.guests = []hypervisor.ClusterResource{
		{VMID: 100, Node: "pve1", Type: hypervisor.KindContainer, Status: "running"},
		{VMID: 101, Node: "pve1", Type: hypervisor.KindVM, Status: "running"},
	}
	for _, record := range []registry.Record{
		{ResourceID: 100, OwnerID: "alice"},
		{ResourceID: 101, OwnerID: "alice"},
	} {
		if _, err := f.registry.Create(t.Context(), record); err != nil {
			t.Fatalf("registry.Create: %v", err)
		}
	}

	recorder := f.do(t, asUser("alice"), "POST", "/api/resources/100/console/term", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("term console: status %d, body %s", recorder.Code, recorder.Body.String())
	}
	ticket := decodeInto[map[string]string](t, recorder)
	if ticket["ticket"] != "TICKET" || ticket["node"] != "pve1" {
		t.Errorf("ticket = %v", ticket)
	}

	if recorder := f.do(t, asUser("alice"), "POST", "/api/resources/100/console/vnc", nil); recorder.Code != http.StatusBadRequest {
		t.Errorf("vnc on container: status = %d, want 400", recorder.Code)
	}
	if recorder := f.do(t, asUser("alice"), "POST", "/api/resources/101/console/term", nil); recorder.Code != http.StatusBadRequest {
		t.Errorf("term on vm: status = %d, want 400", recorder.Code)
	}
	if recorder := f.do(t, asUser("bob"), "POST", "/api/resources/100/console/term", nil); recorder.Code != http.StatusNotFound {
		t.Errorf("non-owner: status = %d, want 404", recorder.Code)
	}
}

func TestDeprovisionTearsDownGuest(t *testing.T) {
	f := newFixture(t)
	recorder := f.do(t, asAdmin("admin1"), "DELETE", "/api/resources/100", nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", recorder.Code)
	}
	if len(f.provisioner.deprovisioned) != 1 || f.provisioner.deprovisioned[0] != 100 {
		t.Errorf("deprovisioned = %v, want [100]", f.provisioner.deprovisioned)
	}
}

func TestHealthzNeedsNoIdentity(t *testing.T) {
	f := newFixture(t)
	recorder := f.do(t, identity{}, "GET", "/healthz", nil)
	if recorder.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", recorder.Code)
	}
}
