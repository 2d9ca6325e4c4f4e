// Package spec parses and validates service definition files (spec §3,
// §4.3): TOML documents under a source repository's services/ tree,
// describing one deployable unit each.
package spec

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Docker describes the image a service runs and its update policy.
type Docker struct {
	Image  string     `toml:"image"`
	Tag    string     `toml:"tag"`
	Update AutoUpdate `toml:"update"`
}

// AutoUpdate controls whether an image-registry push triggers a
// Reconcile for this service.
type AutoUpdate struct {
	Automatic      bool     `toml:"automatic"`
	AdditionalTags []string `toml:"additional_tags"`
}

// Web describes a service's participation in DNS and ingress routing.
type Web struct {
	Enabled bool   `toml:"enabled"`
	Base    string `toml:"base"`
}

// ServiceSpec is the parsed, validated contents of a service definition
// file (spec §3).
type ServiceSpec struct {
	Dependencies Dependencies          `toml:"dependencies"`
	Docker       Docker                `toml:"docker"`
	Environment  map[string]string     `toml:"environment"`
	Secrets      map[string]SecretDecl `toml:"secrets"`
	Web          Web                   `toml:"web"`
}

// Image returns the fully qualified image reference for the spec's
// current tag.
func (s *ServiceSpec) Image() string {
	return s.Docker.Image + ":" + s.Docker.Tag
}

// MatchesUpdate reports whether a pushed tag should trigger an automatic
// Reconcile for this spec, per spec §4.7's image-update trigger.
func (s *ServiceSpec) MatchesUpdate(tag string) bool {
	if !s.Docker.Update.Automatic {
		return false
	}
	if tag == s.Docker.Tag {
		return true
	}
	for _, glob := range s.Docker.Update.AdditionalTags {
		if ok, _ := path.Match(glob, tag); ok {
			return true
		}
	}
	return false
}

// Parse decodes and validates a service definition file's contents.
func Parse(data []byte) (*ServiceSpec, error) {
	var s ServiceSpec
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.EnableUnmarshalerInterface()
	if err := dec.Decode(&s); err != nil {
		return nil, wferrors.Wrap(wferrors.KindParse, "decode service spec", err)
	}

	if s.Docker.Tag == "" {
		s.Docker.Tag = "latest"
	}
	if s.Environment == nil {
		s.Environment = map[string]string{}
	}
	if s.Secrets == nil {
		s.Secrets = map[string]SecretDecl{}
	}

	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validate(s *ServiceSpec) error {
	if strings.TrimSpace(s.Docker.Image) == "" {
		return wferrors.New(wferrors.KindParse, "docker.image must not be empty")
	}

	for name, decl := range s.Secrets {
		if decl.Kind == SecretKindGenerate && decl.GenerateLength < 1 {
			return wferrors.New(wferrors.KindParse, fmt.Sprintf("secrets.%s: generate length must be >= 1", name))
		}
	}

	if s.Web.Enabled {
		if strings.TrimSpace(s.Web.Base) == "" {
			return wferrors.New(wferrors.KindParse, "web.base is required when web.enabled is true")
		}
		if !IsValidDomain(s.Web.Base) {
			return wferrors.New(wferrors.KindParse, fmt.Sprintf("web.base %q is not a valid domain", s.Web.Base))
		}
	}

	return nil
}

// IsValidDomain applies a conservative DNS-label check; it rejects empty
// labels, labels starting or ending in '-', and non-alphanumeric runes.
func IsValidDomain(domain string) bool {
	if domain == "" || len(domain) > 253 {
		return false
	}
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if !isValidLabel(label) {
			return false
		}
	}
	return len(labels) >= 1
}

func isValidLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

// DeriveID computes a service's stable id from its path relative to the
// source tree's services/ root, per spec §3: strip the extension,
// lower-case, and use '/' as the separator regardless of OS.
func DeriveID(relPath string) string {
	slashed := filepath2Slash(relPath)
	ext := path.Ext(slashed)
	slashed = strings.TrimSuffix(slashed, ext)
	return strings.ToLower(slashed)
}

func filepath2Slash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// IDTail returns the final slash-separated segment of a service id, used
// to build its external hostname (spec §4.3).
func IDTail(id string) string {
	idx := strings.LastIndex(id, "/")
	if idx < 0 {
		return id
	}
	return id[idx+1:]
}

// Hostname returns the external hostname for a web-enabled service.
func Hostname(id string, base string) string {
	return IDTail(id) + "." + base
}
