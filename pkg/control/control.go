/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package control implements the Control Plane (spec §4.10): an HTTP
// surface accepting task-create/cancel signals, writing the canonical
// `global:task_status:<tid>` value to the Coordination Store that every
// worker polls before processing a message.
package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
	"github.com/jordigilh/crs-fabric/pkg/store/model"
)

// Creator persists a new Task to the relational store before the
// Control Plane marks it pending in the Coordination Store.
type Creator interface {
	CreateTask(r *http.Request) (model.Task, error)
}

var errMissingMetadataField = errors.New("field is required")

// MetricsHandler serves a Prometheus scrape endpoint; satisfied by
// *pkg/metrics.Collector. Nil is valid: Router then skips the route.
type MetricsHandler interface {
	Handler() http.Handler
}

// Server is the Control Plane's chi router: POST /tasks creates a task,
// POST /tasks/{taskID}/cancel writes the canonical cancellation signal,
// GET /tasks/{taskID}/status reads it back.
type Server struct {
	CS      *coordination.Store
	Creator Creator
	Logger  *zap.Logger
	Metrics MetricsHandler
}

// Router builds the chi.Router with permissive CORS (the Control Plane
// is typically fronted by a separate orchestration UI/CLI, not same-
// origin browser code) and the task routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Post("/cancel", s.handleCancel)
			r.Get("/status", s.handleStatus)
			r.Patch("/metadata", s.handleMetadataPatch)
		})
	})
	if s.Metrics != nil {
		r.Get("/metrics", s.Metrics.Handler().ServeHTTP)
	}
	return r
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	task, err := s.Creator.CreateTask(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	status := model.TaskStatusPending
	if err := s.CS.Set(r.Context(), coordination.TaskStatusKey(task.ID), string(status), 0); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logInfo("created task", task.ID)
	s.writeJSON(w, http.StatusCreated, map[string]string{"task_id": task.ID, "status": string(status)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.CS.Set(r.Context(), coordination.TaskStatusKey(taskID), string(model.TaskStatusCanceled), 0); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logInfo("canceled task", taskID)
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(model.TaskStatusCanceled)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	status, err := s.CS.Get(r.Context(), coordination.TaskStatusKey(taskID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if status == "" {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": status})
}

// handleMetadataPatch patches one field of the task's tracing-attribute
// metadata blob (global:task_metadata:<tid>), used by callers that learn a
// single attribute at a time (e.g. an external build pipeline recording its
// run id) rather than holding the whole blob.
func (s *Server) handleMetadataPatch(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var body struct {
		Field string      `json:"field"`
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Field == "" {
		s.writeError(w, http.StatusBadRequest, errMissingMetadataField)
		return
	}
	if err := s.CS.SetMetadataField(r.Context(), taskID, body.Field, body.Value); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "field": body.Field})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if s.Logger != nil {
		s.Logger.Error("control plane request failed",
			logging.NewFields().Component("control").Error(err).StatusCode(code).ToZap()...)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) logInfo(msg, taskID string) {
	if s.Logger == nil {
		return
	}
	s.Logger.Info(msg, logging.NewFields().Component("control").TaskID(taskID).ToZap()...)
}
