package batch

import "context"

// NodeAgentSKU is a node agent with the images it has been verified against.
type NodeAgentSKU struct {
	ID     string
	Images []ImageReference
}

// ImageCatalog is implemented by the services that can list the images their
// pool nodes may run. It is optional, the orchestration never needs it.
type ImageCatalog interface {
	ListNodeAgentSKUs(ctx context.Context) ([]NodeAgentSKU, error)
}
