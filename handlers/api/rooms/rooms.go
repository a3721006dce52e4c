package rooms

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"codecollab-server/core"
	"codecollab-server/presence"
)

func HandleCreate(store core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name     string `json:"name"`
			Language string `json:"language"`
			Private  bool   `json:"private"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}
		if req.Name == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Room name is required"})
			return
		}
		if req.Language == "" {
			req.Language = "plaintext"
		}

		now := time.Now().UTC()
		room := &core.Room{
			ID:         ulid.Make().String(),
			Name:       req.Name,
			Language:   req.Language,
			Private:    req.Private,
			CreatedAt:  now,
			LastActive: now,
		}

		if err := store.Create(r.Context(), room); err != nil {
			logrus.WithError(err).WithField("name", req.Name).Error("Failed to create room")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to create room"})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, room)
	}
}

func HandleGet(store core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Room id is required"})
			return
		}

		room, err := store.Get(r.Context(), id)
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				logrus.WithError(err).WithField("room_id", id).Error("Failed to load room")
			}
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Room not found"})
			return
		}

		render.JSON(w, r, room)
	}
}

func HandleDelete(store core.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Room id is required"})
			return
		}

		if err := store.Delete(r.Context(), id); err != nil {
			logrus.WithError(err).WithField("room_id", id).Error("Failed to delete room")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to delete room"})
			return
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, map[string]string{"status": "deleted"})
	}
}

// HandleListUsers exposes a room's live presence set.
func HandleListUsers(store core.RoomStore, dir *presence.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Room id is required"})
			return
		}

		if _, err := store.Get(r.Context(), id); err != nil {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "Room not found"})
			return
		}

		users := dir.GetUsers(r.Context(), id)
		if users == nil {
			users = []core.RoomUser{}
		}
		render.JSON(w, r, users)
	}
}
