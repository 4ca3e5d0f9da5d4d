// Copyright 2025 Takhin Data, Inc.

package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/riftlog/riftlog/pkg/model"
)

// BrokerSummary reports one broker's liveness from the controller's point
// of view.
type BrokerSummary struct {
	ID   int32 `json:"id"`
	Live bool  `json:"live"`
}

// ClusterOverview summarizes coordinator state for the cluster landing
// page.
type ClusterOverview struct {
	ActiveController bool    `json:"active_controller"`
	ControllerEpoch   int32   `json:"controller_epoch"`
	LiveBrokers       []int32 `json:"live_brokers"`
	TopicCount        int     `json:"topic_count"`
	TopicsDeleting    []string `json:"topics_deleting,omitempty"`
}

// PartitionSummary reports one partition's replica assignment, leadership,
// and state-machine state.
type PartitionSummary struct {
	Partition        int32    `json:"partition"`
	Replicas         []int32  `json:"replicas"`
	AddingReplicas   []int32  `json:"adding_replicas,omitempty"`
	RemovingReplicas []int32  `json:"removing_replicas,omitempty"`
	Leader           int32    `json:"leader"`
	LeaderEpoch      int32    `json:"leader_epoch"`
	ISR              []int32  `json:"isr"`
	PartitionEpoch   int32    `json:"partition_epoch"`
	State            string   `json:"state"`
	ReassignOrigin   []int32  `json:"reassign_origin,omitempty"`
	ReassignTarget   []int32  `json:"reassign_target,omitempty"`
}

// TopicDetail is the full per-topic view.
type TopicDetail struct {
	Name       string             `json:"name"`
	Partitions []PartitionSummary `json:"partitions"`
}

// CreateTopicRequest is the admin API's create-topic payload: an explicit
// replica assignment per partition, since this layer has no rack-aware
// placement policy of its own (spec.md's assignment algorithm is an
// operator/controller-external concern).
type CreateTopicRequest struct {
	Name       string            `json:"name"`
	Partitions map[int32][]int32 `json:"partitions"`
}

// ReassignPartitionRequest is the reassign-partition payload.
type ReassignPartitionRequest struct {
	Target []int32 `json:"target"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	check := s.health.Check()
	status := http.StatusOK
	if check.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, check)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := s.health != nil && s.health.ReadinessCheck()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]bool{"ready": ready})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	alive := s.health == nil || s.health.LivenessCheck()
	s.respondJSON(w, http.StatusOK, map[string]bool{"alive": alive})
}

func (s *Server) handleClusterOverview(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		s.respondError(w, http.StatusServiceUnavailable, "this broker does not run the coordinator")
		return
	}
	s.respondJSON(w, http.StatusOK, ClusterOverview{
		ActiveController: s.controller.IsActiveController(),
		ControllerEpoch:  s.controller.ControllerEpoch(),
		LiveBrokers:      s.controller.LiveBrokers(),
		TopicCount:       len(s.controller.Topics()),
		TopicsDeleting:   s.controller.TopicsQueuedForDeletion(),
	})
}

func (s *Server) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		s.respondError(w, http.StatusServiceUnavailable, "this broker does not run the coordinator")
		return
	}
	live := s.controller.LiveBrokers()
	out := make([]BrokerSummary, 0, len(live))
	for _, id := range live {
		out = append(out, BrokerSummary{ID: id, Live: true})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		s.respondError(w, http.StatusServiceUnavailable, "this broker does not run the coordinator")
		return
	}
	s.respondJSON(w, http.StatusOK, s.controller.Topics())
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		s.respondError(w, http.StatusServiceUnavailable, "this broker does not run the coordinator")
		return
	}
	name := chi.URLParam(r, "topic")
	partitionIDs := s.controller.TopicPartitions(name)
	if len(partitionIDs) == 0 {
		s.respondError(w, http.StatusNotFound, "topic not found")
		return
	}

	detail := TopicDetail{Name: name, Partitions: make([]PartitionSummary, 0, len(partitionIDs))}
	for _, p := range partitionIDs {
		tp := model.TopicPartition{Topic: name, Partition: p}
		assignment, _ := s.controller.Assignment(tp)
		lai, _ := s.controller.Leadership(tp)
		summary := PartitionSummary{
			Partition:        p,
			Replicas:         assignment.Replicas,
			AddingReplicas:   assignment.AddingReplicas,
			RemovingReplicas: assignment.RemovingReplicas,
			Leader:           lai.Leader,
			LeaderEpoch:      lai.LeaderEpoch,
			ISR:              lai.ISR,
			PartitionEpoch:   lai.PartitionEpoch,
			State:            s.controller.PartitionState(tp).String(),
		}
		if origin, target, ok := s.controller.ReassignmentInProgress(tp); ok {
			summary.ReassignOrigin = origin
			summary.ReassignTarget = target
		}
		detail.Partitions = append(detail.Partitions, summary)
	}

	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		s.respondError(w, http.StatusServiceUnavailable, "this broker does not run the coordinator")
		return
	}
	var req CreateTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Partitions) == 0 {
		s.respondError(w, http.StatusBadRequest, "name and at least one partition assignment are required")
		return
	}

	partitions := make(map[int32]model.ReplicaAssignment, len(req.Partitions))
	for p, replicas := range req.Partitions {
		partitions[p] = model.ReplicaAssignment{Replicas: replicas}
	}

	if err := s.controller.CreateTopic(r.Context(), req.Name, model.NewTopicUUID(), partitions); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.wsHub.BroadcastMessage(EventTopicCreated, map[string]any{"name": req.Name})
	s.respondJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		s.respondError(w, http.StatusServiceUnavailable, "this broker does not run the coordinator")
		return
	}
	name := chi.URLParam(r, "topic")
	if err := s.controller.DeleteTopic(r.Context(), name); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.wsHub.BroadcastMessage(EventTopicDeleted, map[string]any{"name": name})
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "topic deletion started"})
}

func (s *Server) handleReassignPartition(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		s.respondError(w, http.StatusServiceUnavailable, "this broker does not run the coordinator")
		return
	}
	name := chi.URLParam(r, "topic")
	partitionStr := chi.URLParam(r, "partition")
	partition, err := strconv.ParseInt(partitionStr, 10, 32)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid partition")
		return
	}

	var req ReassignPartitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Target) == 0 {
		s.respondError(w, http.StatusBadRequest, "target replica set is required")
		return
	}

	tp := model.TopicPartition{Topic: name, Partition: int32(partition)}
	if err := s.controller.ReassignPartitions(r.Context(), tp, req.Target); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.wsHub.BroadcastMessage(EventReassignStarted, map[string]any{"topic": name, "partition": partition, "target": req.Target})
	s.respondJSON(w, http.StatusAccepted, map[string]string{"message": "reassignment started"})
}

func (s *Server) handleElectPreferred(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		s.respondError(w, http.StatusServiceUnavailable, "this broker does not run the coordinator")
		return
	}
	if err := s.controller.ElectPreferredLeaders(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.wsHub.BroadcastMessage(EventPreferredElectionRan, nil)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"message": "preferred leader election ran"})
}
