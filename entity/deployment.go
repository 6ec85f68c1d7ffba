package entity

import (
	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/abi"
)

const (
	// MetaDeployment holds deployment status entities.
	MetaDeployment subgraphruntime.DeploymentID = "subgraphs"

	// DeploymentEntityType is the status entity of a deployment.
	DeploymentEntityType = "SubgraphDeployment"

	FailedAttribute = "failed"
)

// DeploymentKey is the key of id's status entity.
func DeploymentKey(id subgraphruntime.DeploymentID) Key {
	return Key{Deployment: MetaDeployment, EntityType: DeploymentEntityType, EntityID: string(id)}
}

// FailedOperations sets the failed flag of a deployment.
func FailedOperations(id subgraphruntime.DeploymentID, failed bool) []Operation {
	return []Operation{Set(DeploymentKey(id), Data{FailedAttribute: abi.Bool(failed)})}
}

// AttributeIndex asks the store to index one attribute of an entity type.
type AttributeIndex struct {
	Deployment subgraphruntime.DeploymentID
	EntityType string
	Attribute  string
	FieldType  string
}
