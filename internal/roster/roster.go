package roster

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultRegion = "us-east-1"

// ErrUnknownAgent indicates an agent id absent from the roster.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is one deployed agent runtime an orchestrator may invoke.
type Agent struct {
	ID     string
	ARN    string
	Region string
}

// Roster is the set of deployed agents discovered from the roster file.
// Discovery is dynamic: any entry carrying a runtime ARN participates, no
// agent names are hardcoded anywhere.
type Roster struct {
	agents map[string]Agent
}

type rosterFile struct {
	Agents map[string]agentEntry `yaml:"agents"`
}

type agentEntry struct {
	Name    string       `yaml:"name"`
	Runtime runtimeEntry `yaml:"bedrock_agentcore"`
	AWS     awsEntry     `yaml:"aws"`
}

type runtimeEntry struct {
	AgentARN string `yaml:"agent_arn"`
}

type awsEntry struct {
	Region string `yaml:"region"`
}

// Load reads and parses the roster file at path.
func Load(path string) (*Roster, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("roster path must not be empty")
	}
	// #nosec G304 -- path comes from local configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster file %q: %w", path, err)
	}
	parsed, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse roster file %q: %w", path, err)
	}
	return parsed, nil
}

// Parse decodes roster YAML. Entries without a runtime ARN are skipped; an
// entry's name field overrides its map key as the agent id.
func Parse(data []byte) (*Roster, error) {
	var decoded rosterFile
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode roster yaml: %w", err)
	}

	agents := make(map[string]Agent)
	for key, entry := range decoded.Agents {
		arn := strings.TrimSpace(entry.Runtime.AgentARN)
		if arn == "" {
			continue
		}
		id := strings.TrimSpace(entry.Name)
		if id == "" {
			id = strings.TrimSpace(key)
		}
		if id == "" {
			continue
		}
		region := strings.TrimSpace(entry.AWS.Region)
		if region == "" {
			region = defaultRegion
		}
		agents[id] = Agent{ID: id, ARN: arn, Region: region}
	}

	return &Roster{agents: agents}, nil
}

// Agent looks up one agent by id.
func (r *Roster) Agent(id string) (Agent, error) {
	if r == nil {
		return Agent{}, errors.New("roster is nil")
	}
	agent, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w %q, available: %s", ErrUnknownAgent, id, strings.Join(r.IDs(), ", "))
	}
	return agent, nil
}

// Contains reports whether the roster holds an agent with this id.
func (r *Roster) Contains(id string) bool {
	if r == nil {
		return false
	}
	_, ok := r.agents[id]
	return ok
}

// IDs returns the sorted agent ids.
func (r *Roster) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of agents in the roster.
func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.agents)
}
