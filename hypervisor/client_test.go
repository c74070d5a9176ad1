// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-labs/gatehouse/lib/clock"
	"github.com/gatehouse-labs/gatehouse/lib/secret"
)

// fakeCluster is an in-process cluster API. The ticket endpoint is
// always wired; everything else is routed through mux.
type fakeCluster struct {
	t      *testing.T
	server *httptest.Server
	mux    *http.ServeMux

	mu         sync.Mutex
	logins     int
	denyLogins bool
}

func newFakeCluster(t *testing.T) *fakeCluster {
	t.Helper()
	cluster := &fakeCluster{t: t, mux: http.NewServeMux()}
	cluster.mux.HandleFunc("POST /api2/json/access/ticket", cluster.handleLogin)
	cluster.server = httptest.NewServer(cluster.mux)
	t.Cleanup(cluster.server.Close)
	return cluster
}

func (f *fakeCluster) handleLogin(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.logins++
	deny := f.denyLogins
	f.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if deny || r.PostForm.Get("password") != "hunter2" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"data":null}`)
		return
	}
	fmt.Fprintf(w, `{"data":{"ticket":"PVE:ticket-%d","CSRFPreventionToken":"csrf-token","username":%q}}`,
		f.loginCount(), r.PostForm.Get("username"))
}

func (f *fakeCluster) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeCluster) setDenyLogins(deny bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyLogins = deny
}

// newTestClient builds a client against the fake cluster. The fake
// clock starts at an arbitrary fixed instant.
func newTestClient(t *testing.T, cluster *fakeCluster, clk clock.Clock) *Client {
	t.Helper()
	password, err := secret.NewFromBytes([]byte("hunter2"))
	if err != nil {
		t.Fatalf("creating password buffer: %v", err)
	}
	t.Cleanup(func() { _ = password.Close() })

	client, err := NewClient(ClientConfig{
		URL:      cluster.server.URL,
		Username: "gatehouse@pam",
		Password: password,
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestClientValidatesConfig(t *testing.T) {
	password, err := secret.NewFromBytes([]byte("x"))
	if err != nil {
		t.Fatalf("creating password buffer: %v", err)
	}
	defer password.Close()

	cases := []struct {
		name   string
		config ClientConfig
	}{
		{"missing URL", ClientConfig{Username: "u@pam", Password: password}},
		{"missing username", ClientConfig{URL: "https://pve:8006", Password: password}},
		{"missing password", ClientConfig{URL: "https://pve:8006", Username: "u@pam"}},
	}
	for _, tc := range cases {
		if _, err := NewClient(tc.config); err == nil {
			t.Errorf("%s: NewClient accepted invalid config", tc.name)
		}
	}
}

func TestTicketReusedWithinTTL(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie("PVEAuthCookie"); err != nil || !strings.HasPrefix(cookie.Value, "PVE:ticket-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":[{"node":"pve1","status":"online"}]}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	for range 3 {
		if _, err := client.ListNodes(t.Context()); err != nil {
			t.Fatalf("ListNodes: %v", err)
		}
	}
	if got := cluster.loginCount(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
}

func TestTicketRefreshedAfterTTL(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})

	fakeClock := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	client := newTestClient(t, cluster, fakeClock)

	if _, err := client.ListNodes(t.Context()); err != nil {
		t.Fatalf("first ListNodes: %v", err)
	}
	fakeClock.Advance(89 * time.Minute)
	if _, err := client.ListNodes(t.Context()); err != nil {
		t.Fatalf("second ListNodes: %v", err)
	}
	if got := cluster.loginCount(); got != 1 {
		t.Fatalf("logins before expiry = %d, want 1", got)
	}

	fakeClock.Advance(2 * time.Minute)
	if _, err := client.ListNodes(t.Context()); err != nil {
		t.Fatalf("post-expiry ListNodes: %v", err)
	}
	if got := cluster.loginCount(); got != 2 {
		t.Errorf("logins after expiry = %d, want 2", got)
	}
}

func TestExpiredTicketRefreshedOnceUnderConcurrency(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})

	fakeClock := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	client := newTestClient(t, cluster, fakeClock)

	if _, err := client.ListNodes(t.Context()); err != nil {
		t.Fatalf("initial ListNodes: %v", err)
	}
	fakeClock.Advance(91 * time.Minute)

	const callers = 16
	errs := make(chan error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := client.ListNodes(t.Context())
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent ListNodes: %v", err)
		}
	}

	if got := cluster.loginCount(); got != 2 {
		t.Errorf("logins = %d, want 2 (one initial, one shared refresh)", got)
	}
}

func TestFailedLoginNotCached(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})
	cluster.setDenyLogins(true)

	client := newTestClient(t, cluster, clock.Real())
	if _, err := client.ListNodes(t.Context()); err == nil {
		t.Fatal("ListNodes succeeded against a denying cluster")
	}

	// The failure must not be cached: once the cluster recovers, the
	// next call authenticates again and succeeds.
	cluster.setDenyLogins(false)
	if _, err := client.ListNodes(t.Context()); err != nil {
		t.Fatalf("ListNodes after recovery: %v", err)
	}
	if got := cluster.loginCount(); got != 2 {
		t.Errorf("logins = %d, want 2", got)
	}
}

func TestAPIErrorCarriesFieldDetail(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("POST /api2/json/nodes/pve1/lxc", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"data":null,"errors":{"ostemplate":"invalid format"}}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	_, err := client.CreateContainer(t.Context(), "pve1", ContainerCreate{
		VMID: 100, Hostname: "box", OSTemplate: "bad", Cores: 1, MemoryMB: 512, DiskGB: 8, Storage: "local",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Message, "ostemplate") {
		t.Errorf("Message = %q, want ostemplate detail", apiErr.Message)
	}
}

func TestUnreachableClusterWrapsErrConnection(t *testing.T) {
	cluster := newFakeCluster(t)
	client := newTestClient(t, cluster, clock.Real())
	cluster.server.Close()

	_, err := client.ListNodes(t.Context())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
}

func TestMutatingRequestsCarryCSRFToken(t *testing.T) {
	cluster := newFakeCluster(t)
	var sawCSRF string
	cluster.mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/100/status/start", func(w http.ResponseWriter, r *http.Request) {
		sawCSRF = r.Header.Get("CSRFPreventionToken")
		fmt.Fprint(w, `{"data":"UPID:pve1:0001:start"}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	task, err := client.Power(t.Context(), "pve1", KindVM, 100, ActionStart)
	if err != nil {
		t.Fatalf("Power: %v", err)
	}
	if sawCSRF != "csrf-token" {
		t.Errorf("CSRFPreventionToken = %q, want %q", sawCSRF, "csrf-token")
	}
	if task.UPID != "UPID:pve1:0001:start" || task.Node != "pve1" {
		t.Errorf("task = %+v", task)
	}
}

func TestNextIDParsesStringPayload(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":"105"}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	id, err := client.NextID(t.Context())
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id != 105 {
		t.Errorf("NextID = %d, want 105", id)
	}
}

func TestListGuestsFiltersNonGuestEntries(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"vmid":100,"name":"web","node":"pve1","type":"qemu","status":"running"},
			{"vmid":101,"name":"cache","node":"pve2","type":"lxc","status":"stopped"},
			{"node":"pve1","type":"node","status":"online"},
			{"node":"pve1","type":"storage","status":"available"}
		]}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	guests, err := client.ListGuests(t.Context())
	if err != nil {
		t.Fatalf("ListGuests: %v", err)
	}
	if len(guests) != 2 {
		t.Fatalf("len(guests) = %d, want 2", len(guests))
	}
	if guests[0].VMID != 100 || guests[0].Type != KindVM {
		t.Errorf("guests[0] = %+v", guests[0])
	}
	if guests[1].VMID != 101 || guests[1].Type != KindContainer {
		t.Errorf("guests[1] = %+v", guests[1])
	}
}

func TestListVMTemplatesFiltersToTemplateFlag(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"vmid":100,"name":"web","node":"pve1","type":"qemu","status":"running"},
			{"vmid":9000,"name":"debian-12-cloud","node":"pve1","type":"qemu","template":1},
			{"vmid":101,"name":"cache","node":"pve2","type":"lxc","status":"stopped"}
		]}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	templates, err := client.ListVMTemplates(t.Context())
	if err != nil {
		t.Fatalf("ListVMTemplates: %v", err)
	}
	if len(templates) != 1 {
		t.Fatalf("len(templates) = %d, want 1", len(templates))
	}
	if templates[0].VMID != 9000 || templates[0].Name != "debian-12-cloud" {
		t.Errorf("templates[0] = %+v", templates[0])
	}
}

func TestListContainerTemplatesFiltersToArchives(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/nodes/pve1/storage/local/content", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"volid":"local:vztmpl/debian-12.tar.zst","content":"vztmpl","format":"tzst","size":130023424},
			{"volid":"local:iso/debian-12.iso","content":"iso","format":"iso","size":700448768},
			{"volid":"local:backup/vzdump-lxc-101.tar.zst","content":"backup","format":"tzst","size":4096}
		]}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	archives, err := client.ListContainerTemplates(t.Context(), "pve1", "local")
	if err != nil {
		t.Fatalf("ListContainerTemplates: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("len(archives) = %d, want 1", len(archives))
	}
	if archives[0].VolID != "local:vztmpl/debian-12.tar.zst" || archives[0].Format != "tzst" {
		t.Errorf("archives[0] = %+v", archives[0])
	}
}

func TestResolveGuestNotFound(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/cluster/resources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"vmid":100,"node":"pve1","type":"qemu","status":"running"}]}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	if _, err := client.ResolveGuest(t.Context(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	guest, err := client.ResolveGuest(t.Context(), 100)
	if err != nil {
		t.Fatalf("ResolveGuest: %v", err)
	}
	if guest.Node != "pve1" {
		t.Errorf("guest.Node = %q, want pve1", guest.Node)
	}
}

func TestMintConsoleTicket(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/100/vncproxy", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"ticket":"VNC:abc","port":"5900","user":"gatehouse@pam"}}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	ticket, err := client.MintConsoleTicket(t.Context(), "pve1", KindVM, 100)
	if err != nil {
		t.Fatalf("MintConsoleTicket: %v", err)
	}
	if ticket.Ticket != "VNC:abc" || ticket.Port != "5900" {
		t.Errorf("ticket = %+v", ticket)
	}
}

func TestMintConsoleTicketUsesTermProxyForContainers(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("POST /api2/json/nodes/pve1/lxc/101/termproxy", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"ticket":"TERM:xyz","port":"5901","user":"gatehouse@pam"}}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	ticket, err := client.MintConsoleTicket(t.Context(), "pve1", KindContainer, 101)
	if err != nil {
		t.Fatalf("MintConsoleTicket: %v", err)
	}
	if ticket.Ticket != "TERM:xyz" {
		t.Errorf("ticket = %+v", ticket)
	}
}

func TestSessionCookieIsFresh(t *testing.T) {
	cluster := newFakeCluster(t)
	cluster.mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})

	client := newTestClient(t, cluster, clock.Real())
	if _, err := client.ListNodes(t.Context()); err != nil {
		t.Fatalf("ListNodes: %v", err)
	}

	cookie, err := client.SessionCookie(t.Context())
	if err != nil {
		t.Fatalf("SessionCookie: %v", err)
	}
	defer cookie.Close()
	if !strings.HasPrefix(cookie.String(), "PVE:ticket-") {
		t.Errorf("cookie = %q", cookie.String())
	}
	if got := cluster.loginCount(); got != 2 {
		t.Errorf("logins = %d, want 2 (one cached session, one fresh cookie)", got)
	}
}
