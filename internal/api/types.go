// Package api defines the wire types exchanged between the control-plane
// server and the kworkspace CLI.
package api

// WorkspacePhase is the observed lifecycle phase of a user workspace.
//
// The phase is always re-derived from live cluster state; it is never
// persisted by the operator.
type WorkspacePhase string

const (
	// PhaseAbsent means no workspace pod exists for the user.
	PhaseAbsent WorkspacePhase = "absent"

	// PhaseProvisioning means the workspace pod exists but is not yet
	// accepting SSH connections.
	PhaseProvisioning WorkspacePhase = "provisioning"

	// PhaseRunning means the workspace pod is ready.
	PhaseRunning WorkspacePhase = "running"

	// PhaseTerminating means the workspace pod is being deleted.
	PhaseTerminating WorkspacePhase = "terminating"

	// PhaseFailed means the last reconciliation attempt for the workspace
	// failed, or the pod itself has failed. A subsequent start or stop
	// re-attempts convergence.
	PhaseFailed WorkspacePhase = "failed"
)

// WorkspaceRequest is the body of every workspace endpoint. The caller
// presents its SSH public key; the server resolves the username from the
// key and never accepts a caller-supplied username.
type WorkspaceRequest struct {
	// PublicKey is the full public key material in OpenSSH
	// authorized_keys format.
	PublicKey string `json:"publicKey"`
}

// SSHAddress is the endpoint where the workspace accepts SSH connections.
type SSHAddress struct {
	Host string `json:"host"`
	Port int32  `json:"port"`
}

// WorkspaceInfo describes the running workspace container.
type WorkspaceInfo struct {
	Image       string `json:"image"`
	CPULimit    string `json:"cpuLimit,omitempty"`
	MemoryLimit string `json:"memoryLimit,omitempty"`
}

// WorkspaceStatus is the response of the start and status endpoints.
type WorkspaceStatus struct {
	Username string         `json:"username"`
	Phase    WorkspacePhase `json:"phase"`

	// SSH is set once the workspace is reachable.
	SSH *SSHAddress `json:"ssh,omitempty"`

	Info *WorkspaceInfo `json:"info,omitempty"`

	// TemplateDrift is true when the running pod was rendered from an
	// older pod template than the one currently configured. Drifted pods
	// are left running until the next explicit stop.
	TemplateDrift bool `json:"templateDrift,omitempty"`
}

// ErrorResponse is the body returned for any non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}
