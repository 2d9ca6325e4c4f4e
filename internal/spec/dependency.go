package spec

import "fmt"

// SimpleDependency is a dependency that can be toggled on or off with a
// boolean, or implicitly enabled by specifying an environment variable
// rename. It backs the `redis` dependency slot.
type SimpleDependency struct {
	Enabled bool
	Rename  string
}

// UnmarshalTOML accepts a bare bool or a string rename, mirroring the
// Rust source's untagged `SimpleDependency` enum.
func (d *SimpleDependency) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case bool:
		d.Enabled = v
	case string:
		d.Enabled = true
		d.Rename = v
	default:
		return fmt.Errorf("dependency must be a bool or a string, got %T", value)
	}
	return nil
}

// Resolve returns the environment variable name to expose the dependency
// under, or ok=false if the dependency is disabled.
func (d SimpleDependency) Resolve(defaultEnv string) (name string, ok bool) {
	if !d.Enabled {
		return "", false
	}
	if d.Rename != "" {
		return d.Rename, true
	}
	return defaultEnv, true
}

// DynamicDependency is a dependency that pulls credentials from the secret
// store under a role. It backs the `postgres` dependency slot.
//
// RoleSet is exported (rather than the more natural unexported bool) so
// that a ServiceSpec round-tripped through the Registry's JSONB column
// (webhook.Docker re-reads a stored spec to test it against a pushed
// image tag) still knows whether Role was explicit after a plain
// encoding/json marshal/unmarshal, which drops unexported fields.
type DynamicDependency struct {
	Enabled bool
	Rename  string
	Role    string
	RoleSet bool
}

// UnmarshalTOML accepts a bare bool, a string rename, or a table with an
// explicit role (and optional rename), mirroring the Rust source's
// untagged `DynamicDependency` enum.
func (d *DynamicDependency) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case bool:
		d.Enabled = v
	case string:
		d.Enabled = true
		d.Rename = v
	case map[string]interface{}:
		d.Enabled = true
		role, ok := v["role"].(string)
		if !ok || role == "" {
			return fmt.Errorf("dependency table requires a non-empty 'role'")
		}
		d.Role = role
		d.RoleSet = true
		if name, ok := v["name"].(string); ok {
			d.Rename = name
		}
	default:
		return fmt.Errorf("dependency must be a bool, a string, or a table, got %T", value)
	}
	return nil
}

// ResolvedDependency is the collapsed form of a DynamicDependency: both an
// environment variable name and a secret-store role.
type ResolvedDependency struct {
	Name string
	Role string
}

// Resolve returns the environment variable name and role to pull dynamic
// credentials for, or ok=false if the dependency is disabled.
func (d DynamicDependency) Resolve(defaultEnv, defaultRole string) (ResolvedDependency, bool) {
	if !d.Enabled {
		return ResolvedDependency{}, false
	}
	name := defaultEnv
	if d.Rename != "" {
		name = d.Rename
	}
	role := defaultRole
	if d.RoleSet {
		role = d.Role
	}
	return ResolvedDependency{Name: name, Role: role}, true
}

// Dependencies holds every external dependency slot a service can declare.
type Dependencies struct {
	Postgres DynamicDependency `toml:"postgres"`
	Redis    SimpleDependency  `toml:"redis"`
}
