package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for pipeline observability spans.
var (
	AttrMasterTaskID = attribute.Key("task.master_id")
	AttrSubtaskID    = attribute.Key("task.subtask_id")
	AttrTaskType     = attribute.Key("task.type")
	AttrDomain       = attribute.Key("task.domain")
	AttrCoordination = attribute.Key("task.coordination")

	AttrAgentID    = attribute.Key("agent.id")
	AttrAgentScore = attribute.Key("agent.score")

	AttrConflictID   = attribute.Key("conflict.id")
	AttrConflictType = attribute.Key("conflict.type")
	AttrStrategy     = attribute.Key("arbitration.strategy")
	AttrFallback     = attribute.Key("arbitration.fallback")

	AttrComposition = attribute.Key("composition.strategy")
	AttrConfidence  = attribute.Key("composition.confidence")
	AttrCostUSD     = attribute.Key("run.cost_usd")
)
