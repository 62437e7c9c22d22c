package domain

// Pipeline represents a statically-defined DAG of processing nodes.
type Pipeline struct {
	ID          string
	Version     int
	Description string
	Schedule    string // @once, or empty for manual triggers only
	Tags        []string
	Defaults    PipelineDefaults
	Nodes       []PipelineNode
	Edges       []PipelineEdge
}

// PipelineDefaults holds the governance applied uniformly to every node.
type PipelineDefaults struct {
	TimeoutMS int
	Retries   PipelineRetryConfig
	Alerting  AlertPolicy
}

// PipelineRetryConfig defines retry behavior for pipeline nodes.
type PipelineRetryConfig struct {
	MaxAttempts int    // total attempts, including the first one
	Backoff     string // fixed, exponential
	BaseMS      int
	MaxMS       int
}

// AlertPolicy selects who is notified about failed or retried steps.
type AlertPolicy struct {
	Emails    []string
	OnFailure bool
	OnRetry   bool
}

// TriggerRule decides whether a node runs given the state of its predecessors.
type TriggerRule string

const (
	// TriggerAllSuccess runs the node only when every predecessor succeeded over a live edge.
	TriggerAllSuccess TriggerRule = "all_success"
	// TriggerOneSuccess runs the node when at least one predecessor succeeded over a live
	// edge and none failed. Used to join mutually exclusive branches.
	TriggerOneSuccess TriggerRule = "one_success"
)

// PipelineNode represents a processing step in the pipeline DAG.
type PipelineNode struct {
	ID          string
	Type        string                 // sensor.http, http.get, transform.user, branch.age, store.file, terminal.end
	Config      map[string]interface{} // Node-specific configuration
	TriggerRule TriggerRule
	States      NodeStates
	Governance  PipelineGovernanceConfig
}

// NodeStates names the run states a node moves the run to.
type NodeStates struct {
	Success RunState // may be overridden by the handler result (branch nodes)
	Failure RunState
}

// PipelineGovernanceConfig holds per-node governance overrides.
type PipelineGovernanceConfig struct {
	TimeoutMS int
	Retries   *PipelineRetryConfig
}

// PipelineEdge represents a dependency between two nodes. Edges leaving a branch
// node carry the branch label they belong to; only the selected label is live.
type PipelineEdge struct {
	From   string
	To     string
	Branch string
}

// Node returns the node with the given ID, or nil.
func (p *Pipeline) Node(id string) *PipelineNode {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// Upstream returns the edges entering the given node.
func (p *Pipeline) Upstream(nodeID string) []PipelineEdge {
	var edges []PipelineEdge
	for _, edge := range p.Edges {
		if edge.To == nodeID {
			edges = append(edges, edge)
		}
	}
	return edges
}

// Downstream returns the edges leaving the given node.
func (p *Pipeline) Downstream(nodeID string) []PipelineEdge {
	var edges []PipelineEdge
	for _, edge := range p.Edges {
		if edge.From == nodeID {
			edges = append(edges, edge)
		}
	}
	return edges
}

// TraceEntry represents a single step in an execution trace.
type TraceEntry struct {
	NodeID    string                 `json:"nodeId"`
	NodeType  string                 `json:"nodeType"`
	Outcome   string                 `json:"outcome"`
	EdgeTaken string                 `json:"edgeTaken,omitempty"`
	Duration  string                 `json:"duration,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SimulationResponse represents the result of a pipeline simulation.
type SimulationResponse struct {
	PipelineID string           `json:"pipelineId"`
	FinalState RunState         `json:"finalState"`
	Decision   string           `json:"decision,omitempty"`
	Record     *TransformedUser `json:"record,omitempty"`
	Trace      []TraceEntry     `json:"trace"`
}
