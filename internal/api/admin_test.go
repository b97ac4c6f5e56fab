package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"parley/internal/gateway"
	"parley/internal/models"
)

type mockProvisioner struct {
	users       map[string]models.User
	communities map[string]models.Community
	err         error
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{
		users:       make(map[string]models.User),
		communities: make(map[string]models.Community),
	}
}

func (m *mockProvisioner) UpsertUser(user models.User) error {
	if m.err != nil {
		return m.err
	}
	m.users[user.ID] = user
	return nil
}

func (m *mockProvisioner) UpsertCommunity(community models.Community) error {
	if m.err != nil {
		return m.err
	}
	m.communities[community.ID] = community
	return nil
}

func (m *mockProvisioner) FindUser(ctx context.Context, id string) (models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

func (m *mockProvisioner) SetOnline(ctx context.Context, id string, online bool) error {
	u := m.users[id]
	u.Presence.Online = online
	m.users[id] = u
	return nil
}

func (m *mockProvisioner) SetLastSeen(ctx context.Context, id string, at time.Time) error {
	u := m.users[id]
	u.Presence.LastSeen = at.Unix()
	m.users[id] = u
	return nil
}

func newHandler(t *testing.T) (*AdminHandler, *mockProvisioner) {
	h, store, _ := newHandlerWithGateway(t)
	return h, store
}

func newHandlerWithGateway(t *testing.T) (*AdminHandler, *mockProvisioner, *gateway.Gateway) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := newMockProvisioner()
	gw := gateway.New(ctx, gateway.Config{Users: store, Presence: store})
	return NewAdminHandler(store, store, gw), store, gw
}

func TestAddUserHandler(t *testing.T) {
	h, store := newHandler(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"Valid", `{"id":"u1","displayName":"Alice"}`, http.StatusOK},
		{"Default display name", `{"id":"u2"}`, http.StatusOK},
		{"Missing id", `{"displayName":"Nobody"}`, http.StatusBadRequest},
		{"Bad id", `{"id":"a b"}`, http.StatusBadRequest},
		{"Bad body", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/users", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.AddUserHandler(rr, req)
			if rr.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}

	if store.users["u1"].DisplayName != "Alice" {
		t.Errorf("unexpected user %+v", store.users["u1"])
	}
	if store.users["u2"].DisplayName != "u2" {
		t.Errorf("expected id as display name, got %+v", store.users["u2"])
	}
}

func TestAddUserHandler_StoreError(t *testing.T) {
	h, store := newHandler(t)
	store.err = errors.New("disk full")

	req := httptest.NewRequest(http.MethodPost, "/admin/users", strings.NewReader(`{"id":"u1"}`))
	rr := httptest.NewRecorder()
	h.AddUserHandler(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	var resp Response
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || !strings.Contains(resp.Message, "disk full") {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestAddCommunityHandler(t *testing.T) {
	h, store := newHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/communities",
		strings.NewReader(`{"id":"cats","name":"Cats","members":["u1","u2"]}`))
	rr := httptest.NewRecorder()
	h.AddCommunityHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if c := store.communities["cats"]; !c.HasMember("u2") || c.Name != "Cats" {
		t.Errorf("unexpected community %+v", c)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/communities",
		strings.NewReader(`{"id":"dogs","members":["ok","not ok"]}`))
	rr = httptest.NewRecorder()
	h.AddCommunityHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad member id, got %d", rr.Code)
	}
}

func TestStatsHandler(t *testing.T) {
	h, _ := newHandler(t)
	h.gateway.Connect()

	rr := httptest.NewRecorder()
	h.StatsHandler(rr, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))

	var stats gateway.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Connections != 1 {
		t.Errorf("expected 1 connection, got %+v", stats)
	}
}

func TestGetUserHandler(t *testing.T) {
	h, store, gw := newHandlerWithGateway(t)
	store.users["u1"] = models.User{ID: "u1", DisplayName: "Alice"}

	c := gw.Connect()
	if err := gw.Announce(context.Background(), c.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	get := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/users/"+url.PathEscape(id), nil)
		req.SetPathValue("id", id)
		rr := httptest.NewRecorder()
		h.GetUserHandler(rr, req)
		return rr
	}

	rr := get("u1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp UserResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.DisplayName != "Alice" || !resp.Presence.Online {
		t.Errorf("unexpected user %+v", resp.User)
	}
	if len(resp.Connections) != 1 || resp.Connections[0].ID != c.ID || resp.Connections[0].ConnectedAt != c.ConnectedAt.Unix() {
		t.Errorf("unexpected connections %+v", resp.Connections)
	}

	if rr := get("ghost"); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown user, got %d", rr.Code)
	}
	if rr := get("a b"); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad id, got %d", rr.Code)
	}
}
