// Package flows holds the statically defined pipelines polis-flow ships with.
package flows

import (
	"fmt"
	"time"

	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/domain"
)

// UserProcessingID identifies the user-processing pipeline.
const UserProcessingID = "user_processing"

// Node IDs of the user-processing pipeline. They appear in logs, metrics, run
// history and alerts.
const (
	NodeGate        = "is_api_available"
	NodeExtract     = "extract_user"
	NodeTransform   = "transform_user"
	NodeRoute       = "check_user_age"
	NodeStoreGroupA = "store_user_group_a"
	NodeStoreGroupB = "store_user_group_b"
	NodeEnd         = "end"
)

// Pipelines is a config.BuildFunc returning every pipeline the configuration describes.
func Pipelines(cfg *config.Config) ([]domain.Pipeline, error) {
	p, err := UserProcessing(cfg)
	if err != nil {
		return nil, err
	}
	return []domain.Pipeline{p}, nil
}

// UserProcessing builds the user-processing graph: wait for the user API, fetch
// one user, flatten it, route on age and store it in the group's file.
//
// The gate polls within its own budget, so it gets a single attempt and a deadline
// covering that budget. Every other node uses the configured step timeout and
// the uniform retry policy.
func UserProcessing(cfg *config.Config) (domain.Pipeline, error) {
	if cfg == nil {
		return domain.Pipeline{}, fmt.Errorf("%w: configuration is required", domain.ErrConfigInvalid)
	}

	gateConn, err := cfg.ResolveConnection(cfg.Gate.Connection)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("gate: %w", err)
	}
	extractConn, err := cfg.ResolveConnection(cfg.Extract.Connection)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("extract: %w", err)
	}

	defaults := cfg.Defaults.ToDomain()
	defaults.Alerting = cfg.Alerting.ToDomain()
	stepTimeoutMS := defaults.TimeoutMS
	defaults.TimeoutMS = 0

	step := domain.PipelineGovernanceConfig{TimeoutMS: stepTimeoutMS}

	return domain.Pipeline{
		ID:          UserProcessingID,
		Version:     1,
		Description: "Fetch a user, route by age, store per group",
		Schedule:    "@once",
		Tags:        []string{"users"},
		Defaults:    defaults,
		Nodes: []domain.PipelineNode{
			{
				ID:   NodeGate,
				Type: "sensor.http",
				Config: map[string]interface{}{
					"url":           gateConn.URL(cfg.Gate.Path),
					"headers":       gateConn.Headers,
					"poke_interval": cfg.Gate.PokeInterval,
					"timeout":       cfg.Gate.Timeout,
				},
				States: domain.NodeStates{Success: domain.RunReady, Failure: domain.RunFailedGate},
				Governance: domain.PipelineGovernanceConfig{
					TimeoutMS: durationMS(cfg.Gate.Timeout + cfg.Gate.PokeInterval),
					Retries:   &domain.PipelineRetryConfig{MaxAttempts: 1},
				},
			},
			{
				ID:   NodeExtract,
				Type: "http.get",
				Config: map[string]interface{}{
					"url":            extractConn.URL(cfg.Extract.Path),
					"headers":        extractConn.Headers,
					"max_body_bytes": cfg.Extract.MaxBodyBytes,
				},
				States:     domain.NodeStates{Success: domain.RunExtracted, Failure: domain.RunFailedExtract},
				Governance: step,
			},
			{
				ID:         NodeTransform,
				Type:       "transform.user",
				States:     domain.NodeStates{Success: domain.RunTransformed, Failure: domain.RunFailedTransform},
				Governance: step,
			},
			{
				ID:         NodeRoute,
				Type:       "branch.age",
				States:     domain.NodeStates{Failure: domain.RunFailed},
				Governance: step,
			},
			writerNode(NodeStoreGroupA, domain.GroupA, cfg.Outputs.GroupA, cfg.Outputs.WriteMode, step),
			writerNode(NodeStoreGroupB, domain.GroupB, cfg.Outputs.GroupB, cfg.Outputs.WriteMode, step),
			{
				ID:          NodeEnd,
				Type:        "terminal.end",
				TriggerRule: domain.TriggerOneSuccess,
				States:      domain.NodeStates{Success: domain.RunDone},
			},
		},
		Edges: []domain.PipelineEdge{
			{From: NodeGate, To: NodeExtract},
			{From: NodeExtract, To: NodeTransform},
			{From: NodeTransform, To: NodeRoute},
			{From: NodeRoute, To: NodeStoreGroupA, Branch: string(domain.GroupA)},
			{From: NodeRoute, To: NodeStoreGroupB, Branch: string(domain.GroupB)},
			{From: NodeStoreGroupA, To: NodeEnd},
			{From: NodeStoreGroupB, To: NodeEnd},
		},
	}, nil
}

func writerNode(id string, group domain.RoutingDecision, path, mode string, governance domain.PipelineGovernanceConfig) domain.PipelineNode {
	return domain.PipelineNode{
		ID:   id,
		Type: "store.file",
		Config: map[string]interface{}{
			"path":  path,
			"group": string(group),
			"mode":  mode,
		},
		States:     domain.NodeStates{Success: domain.RunWritten, Failure: domain.RunFailedWrite},
		Governance: governance,
	}
}

func durationMS(d time.Duration) int {
	return int(d / time.Millisecond)
}
