// Package names derives deterministic Kubernetes object names for user
// workspaces.
//
// Strategy:
//  1. For typical usernames the derived names are plain, readable
//     concatenations ("ws-alice", "ws-alice-data").
//  2. When a derived name would exceed the length limit of its resource
//     kind, the name is truncated and a hash of the full untruncated name
//     is appended after a "---" truncation mark. The hash depends only on
//     the input, so derivation stays deterministic and distinct owners can
//     never collide after truncation.
package names

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

const (
	prefix     = "ws-"
	pvcSuffix  = "-data"
	sshService = "ssh"

	// hashBytes is the number of bytes of the digest kept in a truncated
	// name. Must never change: existing cluster objects were named with it.
	hashBytes  = 4
	hashLength = 2 * hashBytes

	// truncationMark separates the truncated name body from the hash
	// suffix so truncation is visible to a human reading object names.
	truncationMark = "---"

	// Namespaces and Services must be valid RFC 1123 DNS labels.
	labelMaxLength = 63
	// Pods and PVCs accept DNS subdomain names.
	subdomainMaxLength = 253
)

// Set holds the names of all cluster objects belonging to one workspace.
type Set struct {
	// Namespace is the per-user namespace holding every other object.
	Namespace string
	// PVC is the persistent volume claim backing the user home directory.
	// It survives workspace stop/start cycles.
	PVC string
	// Pod is the workspace pod name.
	Pod string
	// Service is the NodePort service exposing the pod's SSH port.
	Service string
}

// ForOwner derives the object names for the given owner. The derivation is
// injective: two distinct owners always produce disjoint name sets, even
// when truncation applies.
func ForOwner(owner string) Set {
	return Set{
		Namespace: constrain(prefix+owner, labelMaxLength),
		PVC:       constrain(prefix+owner+pvcSuffix, subdomainMaxLength),
		Pod:       constrain(prefix+owner, subdomainMaxLength),
		Service:   constrain(prefix+owner, labelMaxLength),
	}
}

// SSHPortName is the named container/service port carrying SSH traffic.
func SSHPortName() string { return sshService }

// hash computes the hex suffix appended to truncated names.
func hash(name string) string {
	sum := md5.Sum([]byte(name))
	// The first 32 bits are plenty: the hash only needs to disambiguate
	// names whose visible truncated portion matches exactly.
	return hex.EncodeToString(sum[:hashBytes])
}

// constrain enforces the length limit on a derived name, truncating with a
// hash suffix when needed.
func constrain(name string, maxLength int) string {
	minTruncated := 1 + len(truncationMark) + hashLength
	if maxLength < minTruncated {
		panic(fmt.Sprintf("maxLength %d is invalid; must be at least %d", maxLength, minTruncated))
	}
	if len(name) <= maxLength {
		return name
	}
	cut := maxLength - len(truncationMark) - hashLength
	return name[:cut] + truncationMark + hash(name)
}
