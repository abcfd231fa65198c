package domain

// AgentState tracks the lifecycle of a running agent instance.
type AgentState string

const (
	AgentIdle       AgentState = "idle"
	AgentProcessing AgentState = "processing"
	AgentError      AgentState = "error"
	AgentTerminated AgentState = "terminated"
)

// Autonomy bounds an agent's self-directed behavior.
type Autonomy struct {
	MaxGoalIterations int `json:"max_goal_iterations,omitempty" yaml:"max_goal_iterations,omitempty"`
}

// Persona is a structured system-prompt identity for an agent.
type Persona struct {
	Name     string   `json:"name" yaml:"name"`
	Identity string   `json:"identity,omitempty" yaml:"identity,omitempty"`
	Soul     string   `json:"soul,omitempty" yaml:"soul,omitempty"`
	Autonomy Autonomy `json:"autonomy,omitempty" yaml:"autonomy,omitempty"`
}

// AgentIdentity describes a named agent instance in a multi-agent setup.
type AgentIdentity struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Model        string   `json:"model" yaml:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Persona      *Persona `json:"persona,omitempty" yaml:"persona,omitempty"`
	Tools        []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Temperature  float64  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxIter      int      `json:"max_iter,omitempty" yaml:"max_iter,omitempty"`
}

// AgentStatus is a read-only snapshot of a running agent instance.
type AgentStatus struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Model    string     `json:"model"`
	State    AgentState `json:"state"`
	Messages int        `json:"messages"`
}
