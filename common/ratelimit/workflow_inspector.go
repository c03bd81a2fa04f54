package ratelimit

import "github.com/blockpilot/worker/common/models"

// Tier buckets workflows by how expensive their executions are.
type Tier string

const (
	TierSimple   Tier = "simple"   // No agent nodes
	TierStandard Tier = "standard" // 1-2 agent nodes
	TierHeavy    Tier = "heavy"    // 3+ agent nodes
)

// Profile is the complexity analysis of one workflow.
type Profile struct {
	Tier       Tier
	AgentCount int
	TotalNodes int
}

// Inspect buckets a workflow by its AI-agent node count. Agent nodes
// dominate execution cost (model calls, tool subprocesses), so they
// alone pick the tier.
func Inspect(wf *models.Workflow) Profile {
	profile := Profile{
		Tier:       TierSimple,
		TotalNodes: len(wf.Nodes),
	}

	for _, node := range wf.Nodes {
		if models.NormalizeKind(node.Kind) == models.KindAIAgent {
			profile.AgentCount++
		}
	}

	profile.Tier = tierFor(profile.AgentCount)
	return profile
}

func tierFor(agentCount int) Tier {
	switch {
	case agentCount == 0:
		return TierSimple
	case agentCount <= 2:
		return TierStandard
	default:
		return TierHeavy
	}
}
