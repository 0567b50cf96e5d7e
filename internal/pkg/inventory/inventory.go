// Package inventory discovers the containers whose images should be scanned.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docktor/internal/pkg/scanner"
)

// ErrUnreachable wraps every failure to talk to the container backend.
var ErrUnreachable = errors.New("container inventory unreachable")

// Inventory lists containers together with the image reference each one runs.
type Inventory interface {
	Containers(ctx context.Context) ([]scanner.Container, error)
}

// Scope restricts which containers are inventoried.
type Scope string

const (
	// ScopeAll inventories every container visible to the backend.
	ScopeAll Scope = "ALL"
	// ScopeCompose keeps containers of the docker compose project docktor itself belongs to.
	ScopeCompose Scope = "COMPOSE"
	// ScopeNamespace keeps pods of the kubernetes namespace docktor itself runs in.
	ScopeNamespace Scope = "NAMESPACE"
)

// ParseScope validates a scope name, case-insensitively.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToUpper(strings.TrimSpace(s))); sc {
	case ScopeAll, ScopeCompose, ScopeNamespace:
		return sc, nil
	case "":
		return ScopeAll, nil
	default:
		return "", fmt.Errorf("unknown scan scope %q (supported: ALL, COMPOSE, NAMESPACE)", s)
	}
}

// Options configures an Inventory.
type Options struct {
	OnlyRunning bool
	Scope       Scope
	// SelfID is the container ID prefix (usually $HOSTNAME) of docktor's own container, which is never scanned.
	SelfID string
	// ComposeService is the compose service name docktor runs as, used to find its project.
	ComposeService string
	// Namespaces lists the kubernetes namespaces to inventory; the empty string means all namespaces.
	Namespaces []string
	// SelfNamespace is the kubernetes namespace docktor runs in.
	SelfNamespace string
}

func unreachable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, op, err)
}
