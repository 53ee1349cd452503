package admin_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openfroyo/isogrpd/pkg/admin"
	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/ports"
	"github.com/openfroyo/isogrpd/pkg/providers/sim"
	"github.com/openfroyo/isogrpd/pkg/stores"
	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

type testEnv struct {
	sw     *sim.Switch
	dir    *ports.Directory
	runner *engine.Runner
	srv    *httptest.Server
	client *admin.Client
}

func newTestEnv(t *testing.T, opts ...admin.Option) *testEnv {
	t.Helper()

	sw := sim.New()
	dir := ports.New(sw)
	reg := engine.NewRegistry(sw, dir)
	reg.AttachTo(dir)
	runner := engine.NewRunner(reg, engine.WithReadiness(dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	opts = append([]admin.Option{admin.WithReadiness(dir)}, opts...)
	srv := httptest.NewServer(admin.New(runner, opts...).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		sw:     sw,
		dir:    dir,
		runner: runner,
		srv:    srv,
		client: admin.NewClient(srv.URL, "tester"),
	}
}

// addPorts registers physical ports with bridge ports and marks port init done.
func (e *testEnv) addPorts(t *testing.T, aliases ...string) {
	t.Helper()
	err := e.runner.Do(context.Background(), func(ctx context.Context, _ *engine.Registry) error {
		for _, alias := range aliases {
			rec := engine.Record{Table: ports.PortTable, Key: alias, Op: engine.OperationSet, Fields: []engine.FieldValue{
				{Field: "kind", Value: "phy"},
				{Field: "bridge_port", Value: "true"},
			}}
			if err := e.dir.ApplyRecord(ctx, rec); err != nil {
				return err
			}
		}
		return e.dir.ApplyRecord(ctx, engine.Record{Table: ports.PortTable, Key: ports.PortInitDoneKey, Op: engine.OperationSet})
	})
	if err != nil {
		t.Fatalf("failed to add ports: %v", err)
	}
}

func apiCode(t *testing.T, err error) int {
	t.Helper()
	var apiErr *admin.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an APIError", err)
	}
	return apiErr.Code
}

func TestHealthReportsPortReadiness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	health, err := env.client.Health(ctx)
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if health.Status != "starting" || health.PortsReady {
		t.Errorf("Health() before port init = %+v", health)
	}

	env.addPorts(t, "Ethernet0")
	health, err = env.client.Health(ctx)
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if health.Status != "ok" || !health.PortsReady || health.Groups != 0 {
		t.Errorf("Health() after port init = %+v", health)
	}
}

func TestCreateGetAndList(t *testing.T) {
	env := newTestEnv(t)
	env.addPorts(t, "Ethernet0", "Ethernet4")
	ctx := context.Background()

	snap, err := env.client.CreateGroup(ctx, admin.CreateGroupRequest{
		Name:        "grp1",
		Type:        "port",
		Description: "uplinks",
		Members:     "Ethernet0",
		Ports:       "Ethernet4",
	})
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if snap.Type != engine.GroupTypePort || snap.State != engine.GroupStateCreated || snap.Handle.IsNull() {
		t.Errorf("created snapshot = %+v", snap)
	}
	if len(snap.Members) != 1 || snap.Members[0].Port != "Ethernet0" {
		t.Errorf("members = %+v", snap.Members)
	}
	if len(snap.BindPorts) != 1 || snap.BindPorts[0] != "Ethernet4" {
		t.Errorf("bind ports = %v", snap.BindPorts)
	}

	got, err := env.client.Group(ctx, "grp1")
	if err != nil {
		t.Fatalf("Group() error = %v", err)
	}
	if got.Description != "uplinks" || got.Handle != snap.Handle {
		t.Errorf("Group() = %+v", got)
	}

	all, err := env.client.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups() error = %v", err)
	}
	if len(all) != 1 || all[0].Name != "grp1" {
		t.Errorf("Groups() = %+v", all)
	}
}

func TestCreateRejects(t *testing.T) {
	env := newTestEnv(t)
	env.addPorts(t, "Ethernet0")
	ctx := context.Background()

	if _, err := env.client.CreateGroup(ctx, admin.CreateGroupRequest{Name: "grp1", Type: "port"}); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	tests := []struct {
		name string
		req  admin.CreateGroupRequest
		want int
	}{
		{"duplicate", admin.CreateGroupRequest{Name: "grp1", Type: "port"}, http.StatusConflict},
		{"unknown type", admin.CreateGroupRequest{Name: "grp2", Type: "vlan"}, http.StatusBadRequest},
		{"missing name", admin.CreateGroupRequest{Type: "port"}, http.StatusBadRequest},
		{"key separator in name", admin.CreateGroupRequest{Name: "grp:2", Type: "port"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.client.CreateGroup(ctx, tt.req)
			if err == nil {
				t.Fatal("CreateGroup() expected error")
			}
			if code := apiCode(t, err); code != tt.want {
				t.Errorf("code = %d, want %d (%v)", code, tt.want, err)
			}
		})
	}

	resp, err := http.Post(env.srv.URL+"/v1/groups", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body code = %d", resp.StatusCode)
	}
}

func TestUnknownGroupIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.Group(ctx, "nope")
	if code := apiCode(t, err); code != http.StatusNotFound {
		t.Errorf("Group() code = %d", code)
	}
	_, err = env.client.DeleteGroup(ctx, "nope")
	if code := apiCode(t, err); code != http.StatusNotFound {
		t.Errorf("DeleteGroup() code = %d", code)
	}
	_, err = env.client.SetMembers(ctx, "nope", "Ethernet0")
	if code := apiCode(t, err); code != http.StatusNotFound {
		t.Errorf("SetMembers() code = %d", code)
	}
}

func TestSetMembersSkipsUnsupportedAlias(t *testing.T) {
	env := newTestEnv(t)
	env.addPorts(t, "Ethernet0")
	ctx := context.Background()

	if _, err := env.client.CreateGroup(ctx, admin.CreateGroupRequest{Name: "grp1", Type: "port"}); err != nil {
		t.Fatal(err)
	}
	snap, err := env.client.SetMembers(ctx, "grp1", "Ethernet0,Vlan10")
	if err != nil {
		t.Fatalf("SetMembers() error = %v", err)
	}
	if len(snap.Members) != 1 || snap.Members[0].Port != "Ethernet0" || len(snap.PendingMembers) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSetBindPortsUnresolved(t *testing.T) {
	env := newTestEnv(t)
	env.addPorts(t, "Ethernet0")
	ctx := context.Background()

	if _, err := env.client.CreateGroup(ctx, admin.CreateGroupRequest{Name: "grp1", Type: "port"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.client.SetBindPorts(ctx, "grp1", "Ethernet0,Ethernet8")
	var apiErr *admin.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
		t.Fatalf("SetBindPorts() error = %v", err)
	}
	if apiErr.Response.Status != engine.StatusInvalidParam || apiErr.Response.Port != "Ethernet8" {
		t.Errorf("error response = %+v", apiErr.Response)
	}

	snap, err := env.client.Group(ctx, "grp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.BindPorts) != 1 || snap.BindPorts[0] != "Ethernet0" {
		t.Errorf("bind ports = %v", snap.BindPorts)
	}
	if len(snap.PendingBindPorts) != 1 || snap.PendingBindPorts[0] != "Ethernet8" {
		t.Errorf("pending bind ports = %v", snap.PendingBindPorts)
	}
}

func TestDeleteDeferredByObserver(t *testing.T) {
	env := newTestEnv(t)
	env.addPorts(t, "Ethernet0")
	ctx := context.Background()

	if _, err := env.client.CreateGroup(ctx, admin.CreateGroupRequest{Name: "grp1", Type: "port", Members: "Ethernet0"}); err != nil {
		t.Fatal(err)
	}
	err := env.runner.Do(ctx, func(_ context.Context, reg *engine.Registry) error {
		return reg.Attach("grp1", "acl-orch", nil)
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := env.client.DeleteGroup(ctx, "grp1")
	if err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if snap == nil || snap.State != engine.GroupStatePendingDestroy {
		t.Fatalf("DeleteGroup() = %+v, want deferred", snap)
	}
	if env.sw.Count(sim.ObjectTypeIsolationGroup) != 1 {
		t.Error("deferred delete released the hardware group")
	}

	err = env.runner.Do(ctx, func(ctx context.Context, reg *engine.Registry) error {
		return reg.Release(ctx, "grp1", "acl-orch")
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.client.Group(ctx, "grp1"); apiCode(t, err) != http.StatusNotFound {
		t.Errorf("group still present after release: %v", err)
	}
	if env.sw.Count(sim.ObjectTypeIsolationGroup) != 0 || env.sw.Count(sim.ObjectTypeIsolationGroupMember) != 0 {
		t.Error("hardware objects left after release")
	}
}

func TestDeleteDestroysGroup(t *testing.T) {
	env := newTestEnv(t)
	env.addPorts(t, "Ethernet0")
	ctx := context.Background()

	if _, err := env.client.CreateGroup(ctx, admin.CreateGroupRequest{Name: "grp1", Type: "bridge_port", Ports: "Ethernet0"}); err != nil {
		t.Fatal(err)
	}
	snap, err := env.client.DeleteGroup(ctx, "grp1")
	if err != nil || snap != nil {
		t.Fatalf("DeleteGroup() = %+v, %v", snap, err)
	}
	if env.sw.Count(sim.ObjectTypeIsolationGroup) != 0 {
		t.Error("hardware group not released")
	}
}

func TestHardwareFailureIsServerError(t *testing.T) {
	env := newTestEnv(t)
	env.addPorts(t, "Ethernet0")
	env.sw.FailNext(sim.OpCreateIsolationGroup, sim.ErrInjected)

	_, err := env.client.CreateGroup(context.Background(), admin.CreateGroupRequest{Name: "grp1", Type: "port"})
	if code := apiCode(t, err); code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", code)
	}
}

func TestJournalEndpointsAndAudit(t *testing.T) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := newTestEnv(t, admin.WithJournal(store))
	env.addPorts(t, "Ethernet0")

	if _, err := env.client.CreateGroup(ctx, admin.CreateGroupRequest{Name: "grp1", Type: "port"}); err != nil {
		t.Fatal(err)
	}
	_, _ = env.client.CreateGroup(ctx, admin.CreateGroupRequest{Name: "grp1", Type: "port"})

	entries, err := store.ListAuditEntries(ctx, "grp1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].Status != string(engine.StatusFail) || entries[1].Status != string(engine.StatusSuccess) {
		t.Errorf("audit statuses = %s, %s", entries[0].Status, entries[1].Status)
	}
	if entries[1].Actor != "tester" || entries[1].Action != "group.create" {
		t.Errorf("audit entry = %+v", entries[1])
	}

	if err := store.AppendEvent(ctx, &stores.Event{Type: telemetry.EventTypeGroupCreated, Source: "test", Group: "grp1", Level: stores.EventLevelInfo}); err != nil {
		t.Fatal(err)
	}
	events, err := env.client.Events(ctx, stores.EventFilter{Group: "grp1"})
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 || events[0].Type != telemetry.EventTypeGroupCreated {
		t.Errorf("Events() = %+v", events)
	}

	resp, err := http.Get(env.srv.URL + "/v1/events?limit=-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit code = %d", resp.StatusCode)
	}
}

func TestJournalDisabled(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.Events(context.Background(), stores.EventFilter{})
	if code := apiCode(t, err); code != http.StatusNotImplemented {
		t.Errorf("code = %d, want 501", code)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	metrics.SetQueueDepth(3)

	env := newTestEnv(t, admin.WithMetrics(metrics))
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "isogrpd_queue_depth 3") {
		t.Errorf("GET /metrics = %d\n%s", resp.StatusCode, body)
	}

	plain := newTestEnv(t)
	resp, err = http.Get(plain.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /metrics without metrics = %d", resp.StatusCode)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid param", engine.NewInvalidParamError("bad", nil), http.StatusBadRequest},
		{"not found", engine.NewFailError("isolation group not found", engine.ErrGroupNotFound), http.StatusNotFound},
		{"rejected", engine.NewFailError("type change", nil), http.StatusConflict},
		{"hardware", engine.NewFailError("create failed", sim.ErrInjected), http.StatusInternalServerError},
		{"retry", engine.NewRetryError("later", nil), http.StatusServiceUnavailable},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := admin.StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
