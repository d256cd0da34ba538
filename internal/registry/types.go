// Package registry provides the client for the container-management API that
// owns the stack inventory. The registry is the single source of truth for
// which stacks exist and their compose content; the orchestrator only writes
// to it during restore and reconciliation.
package registry

import (
	"errors"
	"fmt"
	"time"
)

// Stack status values. The wire format uses small integers; they are mapped
// to these at the client boundary.
type StackStatus string

const (
	StatusRunning StackStatus = "running"
	StatusStopped StackStatus = "stopped"
	StatusError   StackStatus = "error"
)

// Stack is a named, independently deployable unit known to the registry.
// Identity is by Name; ID is registry-assigned and not stable across
// recreation.
type Stack struct {
	ID             int         `json:"id"`
	Name           string      `json:"name"`
	Status         StackStatus `json:"status"`
	EndpointID     int         `json:"endpoint_id"`
	ComposeContent string      `json:"compose_content,omitempty"`
	Env            []EnvVar    `json:"env,omitempty"`
	CreatedAt      time.Time   `json:"created_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at,omitempty"`
}

// EnvVar is one stack environment variable.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Container is one container as reported by the endpoint's Docker-compatible
// container listing.
type Container struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Status string            `json:"Status"`
	Labels map[string]string `json:"Labels"`
}

// Running reports whether the container is in the running state.
func (c Container) Running() bool { return c.State == "running" }

// composeProjectLabel maps containers to stacks. This is the same mechanism
// the control plane's own UI uses; container names are not guaranteed to
// match stack names, so the label is authoritative.
const composeProjectLabel = "com.docker.compose.project"

// Sentinel errors for the registry error taxonomy.
var (
	// ErrAuth indicates the token login failed after retries.
	ErrAuth = errors.New("registry authentication failed")
	// ErrConflict indicates a create collided with an existing stack name.
	ErrConflict = errors.New("stack already exists")
)

// APIError is a registry call that failed or returned an unparseable body.
type APIError struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("registry: %s: %s", e.Message, e.Details)
	}
	return fmt.Sprintf("registry: %s", e.Message)
}

// Wire-format request/response bodies. Payloads are typed end to end; no
// string-templated JSON.

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	JWT string `json:"jwt"`
}

type apiStack struct {
	ID         int      `json:"Id"`
	Name       string   `json:"Name"`
	Status     int      `json:"Status"` // 1 = running, 2 = stopped
	EndpointID int      `json:"EndpointId"`
	Env        []EnvVar `json:"Env,omitempty"`
	CreatedAt  int64    `json:"CreationDate,omitempty"`
	UpdatedAt  int64    `json:"UpdateDate,omitempty"`
}

func (s apiStack) toStack() Stack {
	status := StatusStopped
	switch s.Status {
	case 1:
		status = StatusRunning
	case 2:
		status = StatusStopped
	default:
		status = StatusError
	}
	out := Stack{
		ID:         s.ID,
		Name:       s.Name,
		Status:     status,
		EndpointID: s.EndpointID,
		Env:        s.Env,
	}
	if s.CreatedAt > 0 {
		out.CreatedAt = time.Unix(s.CreatedAt, 0).UTC()
	}
	if s.UpdatedAt > 0 {
		out.UpdatedAt = time.Unix(s.UpdatedAt, 0).UTC()
	}
	return out
}

type stackFileResponse struct {
	StackFileContent string `json:"StackFileContent"`
}

type createStackRequest struct {
	Name             string   `json:"Name"`
	StackFileContent string   `json:"StackFileContent"`
	Env              []EnvVar `json:"Env,omitempty"`
}

type createStackResponse struct {
	ID int `json:"Id"`
}

type updateStackRequest struct {
	StackFileContent string   `json:"StackFileContent"`
	Env              []EnvVar `json:"Env,omitempty"`
	Prune            bool     `json:"Prune"`
}
