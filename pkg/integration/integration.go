package integration

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/imdario/mergo"
	"github.com/xeipuuv/gojsonschema"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/tenant"
)

type Type string

const (
	GitHub   Type = "github"
	ArgoCD   Type = "argocd"
	Slack    Type = "slack"
	Registry Type = "registry"
)

// Masked is shown in place of secret config values.
const Masked = "***"

var secretKeys = map[string]bool{
	"token":    true,
	"password": true,
	"api_key":  true,
}

// Integration is a piece of configuration connecting a tenant, or
// every tenant when TenantID is nil, to an outside system.
type Integration struct {
	TenantID    *tenant.ID             `json:"tenant_id"`
	Type        Type                   `json:"type"`
	Config      map[string]interface{} `json:"config"`
	ConnectedAt time.Time              `json:"connected_at"`
}

func (i Integration) Global() bool {
	return i.TenantID == nil
}

func (i Integration) scope() string {
	if i.TenantID == nil {
		return ""
	}
	return string(*i.TenantID)
}

// Mask returns a copy of the integration with secret values replaced.
// Nested objects are masked too.
func (i Integration) Mask() Integration {
	i.Config = maskConfig(i.Config)
	return i
}

func maskConfig(config map[string]interface{}) map[string]interface{} {
	if config == nil {
		return nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		switch v := v.(type) {
		case map[string]interface{}:
			out[k] = maskConfig(v)
		default:
			if secretKeys[strings.ToLower(k)] && v != nil && v != "" {
				out[k] = Masked
			} else {
				out[k] = v
			}
		}
	}
	return out
}

type Store interface {
	// Upsert merges the integration's config over any existing
	// integration with the same scope and type, and validates the
	// result. Masked values in the update are ignored, so that a
	// config read back from the API can be sent again unchanged.
	Upsert(ctx context.Context, i Integration) (Integration, error)
	// ForTenant returns the tenant's integrations followed by the
	// global ones. Secrets are not masked.
	ForTenant(ctx context.Context, id tenant.ID) ([]Integration, error)
	// DeleteTenant removes the tenant's own integrations.
	DeleteTenant(ctx context.Context, id tenant.ID) (int64, error)
}

var schemas = map[Type]string{
	GitHub: `{
  "type": "object",
  "required": ["org", "repo"],
  "properties": {
    "org":     {"type": "string", "minLength": 1},
    "repo":    {"type": "string", "minLength": 1},
    "branch":  {"type": "string"},
    "token":   {"type": "string"},
    "enabled": {"type": "boolean"}
  }
}`,
	ArgoCD: `{
  "type": "object",
  "required": ["namespace"],
  "properties": {
    "server":      {"type": "string"},
    "namespace":   {"type": "string", "minLength": 1},
    "project":     {"type": "string"},
    "token":       {"type": "string"},
    "applications": {"type": "array", "items": {"type": "string"}}
  }
}`,
	Slack: `{
  "type": "object",
  "required": ["webhook_url"],
  "properties": {
    "webhook_url": {"type": "string", "format": "uri"},
    "channel":     {"type": "string"}
  }
}`,
	Registry: `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url":      {"type": "string", "minLength": 1},
    "username": {"type": "string"},
    "password": {"type": "string"}
  }
}`,
}

var compiled = compileSchemas()

func compileSchemas() map[Type]*gojsonschema.Schema {
	out := make(map[Type]*gojsonschema.Schema, len(schemas))
	for t, s := range schemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
		if err != nil {
			panic("integration schema for " + string(t) + ": " + err.Error())
		}
		out[t] = schema
	}
	return out
}

// Validate checks the integration's config against the schema for
// its type.
func Validate(i Integration) error {
	if err := checkType(i.Type); err != nil {
		return err
	}
	schema := compiled[i.Type]
	config := i.Config
	if config == nil {
		config = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return luffyerr.Validationf("%s integration config: %s", i.Type, err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		sort.Strings(problems)
		return luffyerr.Validationf("%s integration config: %s", i.Type, strings.Join(problems, "; "))
	}
	return nil
}

func checkType(t Type) error {
	if _, ok := compiled[t]; !ok {
		return luffyerr.Validationf("unknown integration type %q", t)
	}
	return nil
}

// merge lays incoming over existing; keys missing from incoming, or
// given as Masked, keep their existing values.
func merge(existing, incoming map[string]interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(existing) > 0 {
		if err := mergo.Merge(&out, existing); err != nil {
			return nil, err
		}
	}
	if incoming = unmasked(incoming); len(incoming) > 0 {
		if err := mergo.Merge(&out, incoming, mergo.WithOverride); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// unmasked drops the Masked values from config.
func unmasked(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		switch v := v.(type) {
		case map[string]interface{}:
			out[k] = unmasked(v)
		case string:
			if v != Masked {
				out[k] = v
			}
		default:
			out[k] = v
		}
	}
	return out
}

func sortIntegrations(is []Integration) {
	sort.SliceStable(is, func(a, b int) bool {
		if is[a].Global() != is[b].Global() {
			return !is[a].Global()
		}
		return is[a].Type < is[b].Type
	})
}

func TenantScope(id tenant.ID) *tenant.ID {
	return &id
}
