package names

import (
	"strings"
	"testing"
)

func TestForOwnerPlainNames(t *testing.T) {
	got := ForOwner("alice")
	want := Set{
		Namespace: "ws-alice",
		PVC:       "ws-alice-data",
		Pod:       "ws-alice",
		Service:   "ws-alice",
	}
	if got != want {
		t.Errorf("ForOwner(alice) = %+v, want %+v", got, want)
	}
}

func TestForOwnerDeterminism(t *testing.T) {
	a := ForOwner("bob")
	b := ForOwner("bob")
	if a != b {
		t.Errorf("ForOwner is not deterministic: %+v != %+v", a, b)
	}
}

// TestForOwnerInjective checks that distinct owners never share a name for
// the same resource kind, including owners long enough to trigger
// truncation that differ only in the truncated-away portion.
func TestForOwnerInjective(t *testing.T) {
	owners := []string{
		"alice",
		"bob",
		"alice-data", // suffix overlap with alice's PVC naming
		strings.Repeat("a", 80) + "1",
		strings.Repeat("a", 80) + "2",
	}

	seen := map[string]string{}
	for _, owner := range owners {
		set := ForOwner(owner)
		for kind, name := range map[string]string{
			"namespace": set.Namespace,
			"pvc":       set.PVC,
			"pod":       set.Pod,
			"service":   set.Service,
		} {
			key := kind + "/" + name
			if prev, ok := seen[key]; ok {
				t.Errorf("owners %q and %q derive the same %s name %q", prev, owner, kind, name)
			}
			seen[key] = owner
		}
	}
}

func TestConstrainTruncation(t *testing.T) {
	long := strings.Repeat("x", 100)

	set := ForOwner(long)
	if len(set.Namespace) != labelMaxLength {
		t.Errorf("len(namespace) = %d, want %d", len(set.Namespace), labelMaxLength)
	}
	if len(set.Service) != labelMaxLength {
		t.Errorf("len(service) = %d, want %d", len(set.Service), labelMaxLength)
	}
	if !strings.Contains(set.Namespace, truncationMark) {
		t.Errorf("truncated namespace %q does not carry the truncation mark", set.Namespace)
	}

	// Short enough for a pod subdomain name, so no truncation there.
	if strings.Contains(set.Pod, truncationMark) {
		t.Errorf("pod name %q truncated below the subdomain limit", set.Pod)
	}
}

func TestConstrainPanicsOnInvalidLimit(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected panic for invalid max length")
		}
	}()
	constrain("whatever", 5)
}
