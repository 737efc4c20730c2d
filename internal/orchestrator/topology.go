package orchestrator

import (
	"sort"

	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/protocol"
)

// topology derives the graph_structure payload from configuration, so the
// announced shape always matches what the run can actually do.
func (o *Orchestrator) topology() protocol.Graph {
	switch o.workflow.Pattern {
	case config.PatternSwarm:
		return o.swarmTopology()
	case config.PatternDAG:
		return o.dagTopology()
	default:
		return o.graphTopology()
	}
}

// graphTopology lists every roster agent and the transitions the routing
// tables permit: classification labels fan out from the entry agent, static
// routes connect their configured pairs. Terminal static entries (empty
// target) produce no edge.
func (o *Orchestrator) graphTopology() protocol.Graph {
	graph := protocol.Graph{Nodes: o.rosterNodes()}

	labels := make([]string, 0, len(o.routing.Classification))
	for label := range o.routing.Classification {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		graph.Edges = append(graph.Edges, protocol.GraphEdge{
			From:      o.workflow.EntryAgent,
			To:        o.routing.Classification[label],
			Condition: label,
		})
	}

	froms := make([]string, 0, len(o.routing.Static))
	for from := range o.routing.Static {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		to := o.routing.Static[from]
		if to == "" {
			continue
		}
		graph.Edges = append(graph.Edges, protocol.GraphEdge{From: from, To: to, Condition: "static"})
	}
	return graph
}

// swarmTopology is a full mesh: any agent may hand off to any other.
func (o *Orchestrator) swarmTopology() protocol.Graph {
	graph := protocol.Graph{Nodes: o.rosterNodes()}
	ids := o.roster.IDs()
	for _, from := range ids {
		for _, to := range ids {
			if from == to {
				continue
			}
			graph.Edges = append(graph.Edges, protocol.GraphEdge{From: from, To: to, Condition: "handoff"})
		}
	}
	return graph
}

// dagTopology lists the declared tasks and their dependency edges.
func (o *Orchestrator) dagTopology() protocol.Graph {
	var graph protocol.Graph
	for _, task := range sortedTasks(o.workflow.DAG) {
		graph.Nodes = append(graph.Nodes, protocol.GraphNode{
			ID:   task,
			Name: o.displayName(task),
			Type: "task",
		})
		for _, dep := range o.workflow.DAG[task] {
			graph.Edges = append(graph.Edges, protocol.GraphEdge{From: dep, To: task, Condition: "dependency"})
		}
	}
	return graph
}

func (o *Orchestrator) rosterNodes() []protocol.GraphNode {
	nodes := make([]protocol.GraphNode, 0, o.roster.Len())
	for _, id := range o.roster.IDs() {
		nodes = append(nodes, protocol.GraphNode{ID: id, Name: o.displayName(id)})
	}
	return nodes
}
