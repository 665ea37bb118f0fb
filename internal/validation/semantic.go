package validation

import (
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/spec"
	"github.com/loomhq/loom/pkg/schema"
)

// validateSemantic performs semantic analysis: node specs exist, required
// configuration keys are present, connection and attached-node references
// resolve, retry durations parse.
func validateSemantic(def *schema.WorkflowDefinition, specs *spec.Registry) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = true
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if specs != nil {
			if !specs.Has(node.Type, node.Subtype) {
				result.AddNodeError(node.ID, path, schema.ErrCodeSpecNotFound,
					fmt.Sprintf("no spec registered for %s/%s", node.Type, node.Subtype))
			} else {
				sp, err := specs.Get(node.Type, node.Subtype)
				if err == nil {
					for _, key := range sp.RequiredConfigKeys() {
						if _, ok := node.Configurations[key]; !ok {
							result.AddNodeError(node.ID, path+".configurations", schema.ErrCodeValidation,
								fmt.Sprintf("missing required configuration %q", key))
						}
					}
				}
			}
		}

		for j, att := range node.AttachedNodes {
			if !nodeIDs[att] {
				result.AddNodeError(node.ID, fmt.Sprintf("%s.attached_nodes[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %q", att))
			}
		}

		if node.ErrorPolicy != nil && node.ErrorPolicy.Retry != nil {
			validateRetryPolicy(node.ErrorPolicy.Retry, node.ID, path+".error_policy.retry", result)
		}
	}

	for i, conn := range def.Connections {
		path := fmt.Sprintf("connections[%d]", i)
		if !nodeIDs[conn.FromNode] {
			result.AddError(path+".from_node", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", conn.FromNode))
		}
		if !nodeIDs[conn.ToNode] {
			result.AddError(path+".to_node", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", conn.ToNode))
		}
		if conn.FromNode == conn.ToNode && conn.Kind != schema.ConnectionKindLoop {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("self-connection on node %q requires kind \"loop\"", conn.FromNode))
		}
	}

	return result
}

func validateRetryPolicy(policy *schema.RetryPolicy, nodeID, path string, result *schema.ValidationResult) {
	if policy.Delay != "" {
		if _, err := time.ParseDuration(policy.Delay); err != nil {
			result.AddNodeError(nodeID, path+".delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", policy.Delay))
		}
	}
	if policy.MaxDelay != "" {
		if _, err := time.ParseDuration(policy.MaxDelay); err != nil {
			result.AddNodeError(nodeID, path+".max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", policy.MaxDelay))
		}
	}
	if policy.Max < 0 {
		result.AddNodeError(nodeID, path+".max", schema.ErrCodeValidation, "max must not be negative")
	}
}
