// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/robofleet/broker/internal/broker"
	"github.com/robofleet/broker/internal/registry"
)

// createRequest is the body of POST /api/connections.
type createRequest struct {
	RobotID string `json:"robotId"`
}

// coordinatesBody is the connection sub-object of create/join responses.
type coordinatesBody struct {
	ConnectionID string `json:"connectionId"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	RegisterID   string `json:"registerId"`
}

type coordinatesResponse struct {
	Message    string          `json:"message"`
	Connection coordinatesBody `json:"connection"`
}

type connectionResponse struct {
	Message    string                    `json:"message"`
	Connection registry.PublicConnection `json:"connection"`
}

type connectionListResponse struct {
	Message     string                      `json:"message"`
	Connections []registry.PublicConnection `json:"connections"`
}

func coordinatesOf(c broker.Coordinates) coordinatesBody {
	return coordinatesBody{
		ConnectionID: c.ConnectionID,
		Hostname:     c.Hostname,
		Port:         c.Port,
		RegisterID:   c.RegisterID,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RobotID == "" {
		respondError(w, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	coords, err := s.broker.Create(r.Context(), req.RobotID, identity.UserID)
	if err != nil {
		respondBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, coordinatesResponse{
		Message:    "connection created",
		Connection: coordinatesOf(coords),
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}
	connectionID := chi.URLParam(r, "connectionID")

	coords, err := s.broker.Join(r.Context(), connectionID, identity.UserID)
	if err != nil {
		respondBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coordinatesResponse{
		Message:    "connection joined",
		Connection: coordinatesOf(coords),
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}
	connectionID := chi.URLParam(r, "connectionID")

	if err := s.broker.Close(r.Context(), connectionID, identity.UserID); err != nil {
		respondBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "connection closed"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}
	connectionID := chi.URLParam(r, "connectionID")

	view, err := s.broker.GetByID(r.Context(), connectionID, identity.UserID)
	if err != nil {
		respondBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{Message: "ok", Connection: view})
}

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}

	filter, ok := registry.ParseStatusFilter(r.URL.Query().Get("status"))
	if !ok {
		respondError(w, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	views, err := s.broker.ListMine(r.Context(), identity.UserID, filter)
	if err != nil {
		respondBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionListResponse{Message: "ok", Connections: views})
}

func (s *Server) handleGetByRobot(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}
	robotID := chi.URLParam(r, "robotID")

	filter, ok := registry.ParseStatusFilter(r.URL.Query().Get("status"))
	if !ok {
		respondError(w, http.StatusBadRequest, ErrInvalidInput)
		return
	}

	views, err := s.broker.GetByRobot(r.Context(), robotID, identity.UserID, filter)
	if err != nil {
		respondBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionListResponse{Message: "ok", Connections: views})
}
