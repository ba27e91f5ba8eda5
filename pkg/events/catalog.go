package events

// Boundary event kinds. The producing subsystems own the payload
// definitions; the bus only needs the kind and its required fields.
const (
	// Asset events
	KindAssetDiscovered = "asset.discovered"
	KindAssetProcessed  = "asset.processed"
	KindAssetOrganized  = "asset.organized"

	// Workflow events
	KindWorkflowStarted   = "workflow.started"
	KindWorkflowCompleted = "workflow.completed"
	KindWorkflowFailed    = "workflow.failed"

	// Creative events
	KindPromptUsed    = "creative.prompt.used"
	KindStyleDetected = "creative.style.detected"
)

func registerCatalog(r *Registry) {
	r.Register(KindAssetDiscovered, "file_path", "media_type")
	r.Register(KindAssetProcessed, "content_hash", "file_path")
	r.Register(KindAssetOrganized, "source_path", "destination_path")
	r.Register(KindWorkflowStarted, "workflow_id", "workflow_name")
	r.Register(KindWorkflowCompleted, "workflow_id", "status")
	r.Register(KindWorkflowFailed, "workflow_id", "error")
	r.Register(KindPromptUsed, "prompt", "provider")
	r.Register(KindStyleDetected, "style", "confidence")
}

// NewAssetDiscovered creates an envelope announcing a newly found media asset.
func NewAssetDiscovered(filePath, mediaType, source string) *Envelope {
	return New(KindAssetDiscovered, map[string]interface{}{
		"file_path":  filePath,
		"media_type": mediaType,
	}, source)
}

// NewAssetProcessed creates an envelope for a fully analyzed asset.
func NewAssetProcessed(contentHash, filePath, source string) *Envelope {
	return New(KindAssetProcessed, map[string]interface{}{
		"content_hash": contentHash,
		"file_path":    filePath,
	}, source)
}

// NewAssetOrganized creates an envelope for an asset moved into the library.
func NewAssetOrganized(sourcePath, destinationPath, source string) *Envelope {
	return New(KindAssetOrganized, map[string]interface{}{
		"source_path":      sourcePath,
		"destination_path": destinationPath,
	}, source)
}

// NewWorkflowStarted creates an envelope marking the start of a workflow run.
func NewWorkflowStarted(workflowID, workflowName, source string) *Envelope {
	return New(KindWorkflowStarted, map[string]interface{}{
		"workflow_id":   workflowID,
		"workflow_name": workflowName,
	}, source)
}

// NewWorkflowCompleted creates an envelope marking a finished workflow run.
func NewWorkflowCompleted(workflowID, status, source string) *Envelope {
	return New(KindWorkflowCompleted, map[string]interface{}{
		"workflow_id": workflowID,
		"status":      status,
	}, source)
}

// NewWorkflowFailed creates an envelope marking a failed workflow run.
func NewWorkflowFailed(workflowID, errMessage, source string) *Envelope {
	return New(KindWorkflowFailed, map[string]interface{}{
		"workflow_id": workflowID,
		"error":       errMessage,
	}, source)
}

// NewPromptUsed creates an envelope recording a generation prompt.
func NewPromptUsed(prompt, provider, source string) *Envelope {
	return New(KindPromptUsed, map[string]interface{}{
		"prompt":   prompt,
		"provider": provider,
	}, source)
}

// NewStyleDetected creates an envelope recording a detected visual style.
func NewStyleDetected(style string, confidence float64, source string) *Envelope {
	return New(KindStyleDetected, map[string]interface{}{
		"style":      style,
		"confidence": confidence,
	}, source)
}
