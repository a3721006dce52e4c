package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"codecollab-server/core"
	"codecollab-server/presence"
	"codecollab-server/stores"
	"codecollab-server/stores/memory"
)

func newTestRouter(t *testing.T) (*chi.Mux, core.RoomStore, *presence.Directory) {
	t.Helper()
	kv := memory.NewStore()
	store := stores.NewRoomStore(kv)
	dir := presence.NewDirectory(kv)

	r := chi.NewRouter()
	r.Post("/api/rooms", HandleCreate(store))
	r.Route("/api/rooms/{id}", func(r chi.Router) {
		r.Get("/", HandleGet(store))
		r.Delete("/", HandleDelete(store))
		r.Get("/users", HandleListUsers(store, dir))
	})
	return r, store, dir
}

func createRoom(t *testing.T, router *chi.Mux, body string) core.Room {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var room core.Room
	if err := json.Unmarshal(rec.Body.Bytes(), &room); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return room
}

func TestCreateAndGetRoom(t *testing.T) {
	router, _, _ := newTestRouter(t)

	room := createRoom(t, router, `{"name":"sprint planning","language":"go"}`)
	if room.ID == "" {
		t.Fatal("expected a generated room id")
	}
	if room.Language != "go" {
		t.Errorf("expected language go, got %q", room.Language)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/"+room.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var got core.Room
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Name != "sprint planning" {
		t.Errorf("expected name to round-trip, got %q", got.Name)
	}
}

func TestCreateRoomDefaultsLanguage(t *testing.T) {
	router, _, _ := newTestRouter(t)

	room := createRoom(t, router, `{"name":"untitled"}`)
	if room.Language != "plaintext" {
		t.Errorf("expected default language plaintext, got %q", room.Language)
	}
}

func TestCreateRoomRejectsMissingName(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestGetUnknownRoomReturns404(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestDeleteRoom(t *testing.T) {
	router, _, _ := newTestRouter(t)
	room := createRoom(t, router, `{"name":"short-lived"}`)

	req := httptest.NewRequest(http.MethodDelete, "/api/rooms/"+room.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/rooms/"+room.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 after delete, got %d", rec.Code)
	}
}

func TestListUsersReflectsPresence(t *testing.T) {
	router, _, dir := newTestRouter(t)
	room := createRoom(t, router, `{"name":"standup"}`)

	dir.AddUser(context.Background(), room.ID, "s1", core.RoomUser{
		SessionID: "s1",
		Username:  "alice",
		JoinedAt:  time.Now().UnixMilli(),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/"+room.ID+"/users", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var users []core.RoomUser
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(users) != 1 || users[0].Username != "alice" {
		t.Errorf("expected one user alice, got %v", users)
	}
}

func TestListUsersEmptyRoomIsEmptyArray(t *testing.T) {
	router, _, _ := newTestRouter(t)
	room := createRoom(t, router, `{"name":"quiet"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/"+room.ID+"/users", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" && body != "[]" {
		t.Errorf("expected an empty JSON array, got %q", body)
	}
}
