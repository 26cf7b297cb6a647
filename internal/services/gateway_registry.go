package services

import (
	"crypto/subtle"
	"sort"
	"strings"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// Origin prefix alt gateways put on forwarded events ("whatsapp_web_alt:<slug>")
const altOriginPrefix = "whatsapp_web_alt"

// GatewayRegistry is the read-only catalog of alt gateway instances
type GatewayRegistry struct {
	instances   []models.GatewayInstance
	bySlug      map[string]models.GatewayInstance
	defaultSlug string
}

// NewGatewayRegistry sanitizes slugs, drops duplicates and resolves the
// default instance (the configured one, else the first enabled one)
func NewGatewayRegistry(instances []models.GatewayInstance, defaultSlug string) *GatewayRegistry {
	r := &GatewayRegistry{bySlug: make(map[string]models.GatewayInstance)}
	for _, inst := range instances {
		inst.Slug = SanitizeSlug(inst.Slug)
		if inst.Slug == "" {
			continue
		}
		if _, dup := r.bySlug[inst.Slug]; dup {
			continue
		}
		inst.BaseURL = strings.TrimRight(inst.BaseURL, "/")
		if inst.Label == "" {
			inst.Label = inst.Slug
		}
		r.bySlug[inst.Slug] = inst
		r.instances = append(r.instances, inst)
	}
	sort.Slice(r.instances, func(i, j int) bool { return r.instances[i].Slug < r.instances[j].Slug })

	if inst, ok := r.bySlug[SanitizeSlug(defaultSlug)]; ok && inst.Enabled {
		r.defaultSlug = inst.Slug
	} else {
		for _, inst := range r.instances {
			if inst.Enabled {
				r.defaultSlug = inst.Slug
				break
			}
		}
	}
	return r
}

// Instances returns every configured instance ordered by slug
func (r *GatewayRegistry) Instances() []models.GatewayInstance {
	out := make([]models.GatewayInstance, len(r.instances))
	copy(out, r.instances)
	return out
}

// Enabled returns the enabled instances ordered by slug
func (r *GatewayRegistry) Enabled() []models.GatewayInstance {
	var out []models.GatewayInstance
	for _, inst := range r.instances {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out
}

// Get looks an instance up by slug
func (r *GatewayRegistry) Get(slug string) (models.GatewayInstance, bool) {
	inst, ok := r.bySlug[SanitizeSlug(slug)]
	return inst, ok
}

// DefaultSlug is the instance used when nothing pins a conversation
func (r *GatewayRegistry) DefaultSlug() string {
	return r.defaultSlug
}

// HasAltGateways reports whether any alt gateway is enabled
func (r *GatewayRegistry) HasAltGateways() bool {
	return r.defaultSlug != ""
}

// DetectSlug finds which instance forwarded an event: an explicit
// gateway_instance, a session hint match, an alt origin tag, then the default
func (r *GatewayRegistry) DetectSlug(gatewayMeta map[string]any) string {
	if explicit := SanitizeSlug(metaString(gatewayMeta, "gateway_instance")); explicit != "" {
		if _, ok := r.bySlug[explicit]; ok {
			return explicit
		}
	}

	if session := strings.ToLower(metaString(gatewayMeta, "session", "session_hint")); session != "" {
		for _, inst := range r.instances {
			if inst.SessionHint != "" && strings.ToLower(inst.SessionHint) == session {
				return inst.Slug
			}
		}
	}

	origin := strings.ToLower(metaString(gatewayMeta, "origin", "source"))
	if prefix, maybeSlug, found := strings.Cut(origin, ":"); found && prefix == altOriginPrefix {
		if candidate := SanitizeSlug(maybeSlug); candidate != "" {
			if _, ok := r.bySlug[candidate]; ok {
				return candidate
			}
		}
	}

	return r.defaultSlug
}

// ValidWebhookToken checks the token an instance presents on its webhooks
func (r *GatewayRegistry) ValidWebhookToken(slug, token string) bool {
	inst, ok := r.Get(slug)
	if !ok || inst.WebhookToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(inst.WebhookToken), []byte(token)) == 1
}
