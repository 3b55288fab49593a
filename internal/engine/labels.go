package engine

// Ownership labels stamped on every container this system creates. Cleanup
// sweeps enumerate by label filter instead of an in-memory registry so they
// survive process restarts and never touch unlabeled resources.
const (
	LabelComponent = "io.ngome.component"
	LabelRunID     = "io.ngome.run-id"
	LabelAttempt   = "io.ngome.attempt"
)

// Values for LabelComponent.
const (
	ComponentSandbox = "sandbox"
	ComponentProxy   = "llm-proxy"
)
