// Package metadata defines the label and annotation keys applied to every
// cluster object the operator manages, following the kubernetes.io common
// label conventions.
//
// See: https://kubernetes.io/docs/concepts/overview/working-with-objects/common-labels/
package metadata

import "maps"

const (
	// LabelAppName is the standard label key for the application name.
	LabelAppName = "app.kubernetes.io/name"

	// LabelAppInstance is the standard label key for the unique instance name.
	LabelAppInstance = "app.kubernetes.io/instance"

	// LabelAppComponent is the standard label key for the component within
	// the application.
	LabelAppComponent = "app.kubernetes.io/component"

	// LabelAppManagedBy is the standard label key for the tool managing the
	// resource.
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
)

const (
	// AppName is the fixed application name for all workspace resources.
	AppName = "kube-workspace"

	// ManagedBy identifies the operator managing these resources.
	ManagedBy = "kube-workspace-operator"

	// ComponentWorkspace identifies the workspace pod/service component.
	ComponentWorkspace = "workspace"

	// ComponentHome identifies the user home volume component.
	ComponentHome = "home"
)

const (
	// LabelOwner identifies which user a resource belongs to. It is the
	// selector used for all workspace inventory queries and for routing
	// service traffic to the workspace pod.
	LabelOwner = "workspace.refaktory.dev/owner"

	// LabelWorkspacePod marks pods managed by the operator. The activity
	// monitor lists pods by this label across namespaces.
	LabelWorkspacePod = "workspace.refaktory.dev/pod"

	// LabelWorkspacePodValue is the only value ever set for LabelWorkspacePod.
	LabelWorkspacePodValue = "true"

	// LabelTemplateHash records the hash of the pod template a workspace
	// pod was rendered from, for drift detection against the current
	// configuration.
	LabelTemplateHash = "workspace.refaktory.dev/template-hash"

	// AnnotationActivity holds the JSON-encoded idle-tracking state for a
	// workspace pod. Keeping it on the pod rather than in operator memory
	// means an operator restart can neither lose nor fabricate idle time.
	AnnotationActivity = "workspace.refaktory.dev/activity"

	// FieldOwner is the field manager name used for server-side patches.
	FieldOwner = "kube-workspace-operator"
)

// BuildStandardLabels returns the standard kubernetes labels for a
// workspace resource. owner is the username the resource belongs to.
func BuildStandardLabels(owner, component string) map[string]string {
	return map[string]string{
		LabelAppName:      AppName,
		LabelAppInstance:  owner,
		LabelAppComponent: component,
		LabelAppManagedBy: ManagedBy,
		LabelOwner:        owner,
	}
}

// SelectorLabels returns the stable identity labels used in service
// selectors and inventory queries. Mutable metadata such as the template
// hash must never appear here.
func SelectorLabels(owner string) map[string]string {
	return map[string]string{
		LabelOwner: owner,
	}
}

// MergeLabels merges custom labels with operator labels. Operator labels
// take precedence so template-supplied labels cannot override identity.
func MergeLabels(operatorLabels, customLabels map[string]string) map[string]string {
	merged := make(map[string]string)
	maps.Copy(merged, customLabels)
	maps.Copy(merged, operatorLabels)
	return merged
}
