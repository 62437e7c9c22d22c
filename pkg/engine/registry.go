package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// PipelineRegistry holds the validated pipelines together with their cached
// topological order. Runs in flight keep the pipeline pointer they started with,
// so UpdatePipelines never changes a graph under a running executor.
//
//nolint:revive // Name PipelineRegistry is intentional for clarity
type PipelineRegistry struct {
	mu                sync.RWMutex
	pipelines         map[string]*registeredPipeline
	currentGeneration int64
	knownType         func(string) bool
	logger            *slog.Logger
}

type registeredPipeline struct {
	pipeline *domain.Pipeline
	order    []string
}

// NewPipelineRegistry creates an empty registry.
func NewPipelineRegistry(logger *slog.Logger) *PipelineRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineRegistry{
		pipelines: make(map[string]*registeredPipeline),
		logger:    logger,
	}
}

// SetTypeResolver installs the check used to reject nodes no handler can execute.
// The executor wires its handler registry here.
func (pr *PipelineRegistry) SetTypeResolver(known func(string) bool) {
	pr.mu.Lock()
	pr.knownType = known
	pr.mu.Unlock()
}

// Register validates a single pipeline and adds or replaces it.
func (pr *PipelineRegistry) Register(pipeline domain.Pipeline) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	entry, err := buildEntry(pipeline, pr.knownType)
	if err != nil {
		return err
	}
	pr.pipelines[pipeline.ID] = entry
	pr.currentGeneration++
	return nil
}

// UpdatePipelines atomically replaces the registry contents. Nothing changes
// when any pipeline fails validation.
func (pr *PipelineRegistry) UpdatePipelines(_ context.Context, pipelines []domain.Pipeline) error {
	pr.mu.RLock()
	known := pr.knownType
	pr.mu.RUnlock()

	next := make(map[string]*registeredPipeline, len(pipelines))
	for i := range pipelines {
		if _, dup := next[pipelines[i].ID]; dup {
			return fmt.Errorf("%w: duplicate pipeline ID %q", domain.ErrInvalidGraph, pipelines[i].ID)
		}
		entry, err := buildEntry(pipelines[i], known)
		if err != nil {
			return fmt.Errorf("pipeline validation failed: %w", err)
		}
		next[pipelines[i].ID] = entry
	}

	pr.mu.Lock()
	pr.pipelines = next
	pr.currentGeneration++
	generation := pr.currentGeneration
	pr.mu.Unlock()

	pr.logger.Info("pipeline registry updated",
		slog.Int64("generation", generation),
		slog.Int("pipeline_count", len(next)))

	return nil
}

// Get returns the pipeline with the given ID.
func (pr *PipelineRegistry) Get(pipelineID string) (*domain.Pipeline, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	entry, ok := pr.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	return entry.pipeline, nil
}

// Order returns the cached execution order of the pipeline's nodes.
func (pr *PipelineRegistry) Order(pipelineID string) ([]string, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	entry, ok := pr.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	return append([]string(nil), entry.order...), nil
}

func (pr *PipelineRegistry) lookup(pipelineID string) (*registeredPipeline, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	entry, ok := pr.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	return entry, nil
}

// List returns all registered pipelines sorted by ID.
func (pr *PipelineRegistry) List() []domain.Pipeline {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]domain.Pipeline, 0, len(pr.pipelines))
	for _, entry := range pr.pipelines {
		result = append(result, *entry.pipeline)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Generation increments on every successful Register or UpdatePipelines call.
func (pr *PipelineRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.currentGeneration
}

func buildEntry(pipeline domain.Pipeline, known func(string) bool) (*registeredPipeline, error) {
	order, err := validatePipeline(&pipeline, known)
	if err != nil {
		return nil, err
	}
	p := pipeline
	return &registeredPipeline{pipeline: &p, order: order}, nil
}

// validatePipeline checks the graph invariants and returns the execution order.
// A DAG with exactly one source and exactly one sink has every node on a path
// from the source to the sink, so no separate reachability pass is needed.
func validatePipeline(p *domain.Pipeline, known func(string) bool) ([]string, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: pipeline %q: %s", domain.ErrInvalidGraph, p.ID, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: pipeline ID is required", domain.ErrInvalidGraph)
	}
	if len(p.Nodes) == 0 {
		return nil, invalid("at least one node is required")
	}

	index := make(map[string]int, len(p.Nodes))
	for i, node := range p.Nodes {
		if node.ID == "" {
			return nil, invalid("node[%d]: ID is required", i)
		}
		if _, dup := index[node.ID]; dup {
			return nil, invalid("duplicate node ID %q", node.ID)
		}
		if node.Type == "" {
			return nil, invalid("node %q: type is required", node.ID)
		}
		if known != nil && !known(node.Type) {
			return nil, invalid("node %q: no handler for type %q", node.ID, node.Type)
		}
		switch node.TriggerRule {
		case "", domain.TriggerAllSuccess, domain.TriggerOneSuccess:
		default:
			return nil, invalid("node %q: unknown trigger rule %q", node.ID, node.TriggerRule)
		}
		index[node.ID] = i
	}

	indegree := make([]int, len(p.Nodes))
	outdegree := make([]int, len(p.Nodes))
	seen := make(map[[2]string]bool, len(p.Edges))
	for j, edge := range p.Edges {
		from, ok := index[edge.From]
		if !ok {
			return nil, invalid("edge[%d]: from node %q not found", j, edge.From)
		}
		to, ok := index[edge.To]
		if !ok {
			return nil, invalid("edge[%d]: to node %q not found", j, edge.To)
		}
		if from == to {
			return nil, invalid("edge[%d]: self-loop on %q", j, edge.From)
		}
		key := [2]string{edge.From, edge.To}
		if seen[key] {
			return nil, invalid("duplicate edge %s -> %s", edge.From, edge.To)
		}
		seen[key] = true

		isBranch := isBranchType(p.Nodes[from].Type)
		if isBranch && edge.Branch == "" {
			return nil, invalid("edge %s -> %s: edges leaving branch node must carry a branch label", edge.From, edge.To)
		}
		if !isBranch && edge.Branch != "" {
			return nil, invalid("edge %s -> %s: branch label %q on edge from non-branch node", edge.From, edge.To, edge.Branch)
		}

		indegree[to]++
		outdegree[from]++
	}

	var sources, sinks []string
	for i, node := range p.Nodes {
		if indegree[i] == 0 {
			sources = append(sources, node.ID)
		}
		if outdegree[i] == 0 {
			sinks = append(sinks, node.ID)
		}
	}
	if len(sources) != 1 {
		return nil, invalid("expected exactly one source node, found %d %v", len(sources), sources)
	}
	if len(sinks) != 1 {
		return nil, invalid("expected exactly one sink node, found %d %v", len(sinks), sinks)
	}

	order := topologicalOrder(p, index, indegree)
	if len(order) != len(p.Nodes) {
		return nil, invalid("graph contains a cycle")
	}
	return order, nil
}

// topologicalOrder runs Kahn's algorithm, always picking the earliest declared
// ready node so the order is stable across reloads.
func topologicalOrder(p *domain.Pipeline, index map[string]int, indegree []int) []string {
	remaining := append([]int(nil), indegree...)
	done := make([]bool, len(p.Nodes))
	order := make([]string, 0, len(p.Nodes))

	for len(order) < len(p.Nodes) {
		next := -1
		for i := range p.Nodes {
			if !done[i] && remaining[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return order
		}
		done[next] = true
		order = append(order, p.Nodes[next].ID)
		for _, edge := range p.Edges {
			if edge.From == p.Nodes[next].ID {
				remaining[index[edge.To]]--
			}
		}
	}
	return order
}

func isBranchType(nodeType string) bool {
	kind, _ := parseNodeType(nodeType)
	return strings.HasPrefix(kind, "branch.")
}
