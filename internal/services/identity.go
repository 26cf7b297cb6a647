package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// Non-addressable sender ids (anonymized "linked ids") carry this marker
const lidMarker = "@lid"

var (
	slugInvalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)
	groupKeyInvalid  = regexp.MustCompile(`[^a-zA-Z0-9]+`)
)

// Sender keys inspected after the explicit participant fields, in priority order
var senderMetaKeys = []string{
	"wa_id", "msisdn", "phone", "peer", "remote", "remote_jid", "jid", "chat_id", "chatId",
	"channel_thread_id", "channel_id", "conversation_id",
	"from", "sender", "sender_id", "contact", "contact_phone", "id",
	"sender_id_digits",
}

// IdentityResolver maps raw sender references to canonical contact keys
type IdentityResolver struct {
	countryCode string
}

// NewIdentityResolver creates a resolver that prefixes local numbers with
// the given default country code
func NewIdentityResolver(countryCode string) *IdentityResolver {
	return &IdentityResolver{countryCode: DigitsOnly(countryCode)}
}

// ResolvePhone picks the sender phone from the event. Participant data wins
// over chat ids so group messages are attributed to the real sender.
// An empty result means the identity could not be resolved.
func (r *IdentityResolver) ResolvePhone(from string, gatewayMeta map[string]any) string {
	var candidates []string
	seen := make(map[string]bool)
	push := func(value string) {
		if value == "" || strings.Contains(value, lidMarker) {
			return
		}
		if _, key, ok := ParseAltChannelID(value); ok {
			value = key
		}
		digits := DigitsOnly(value)
		if digits == "" || seen[digits] {
			return
		}
		seen[digits] = true
		candidates = append(candidates, digits)
	}

	push(metaString(metaMap(gatewayMeta, "participant"), "phone"))
	push(metaString(gatewayMeta, "participant_phone"))
	push(metaString(metaMap(gatewayMeta, "group_participant"), "phone"))

	for _, key := range senderMetaKeys {
		push(metaString(gatewayMeta, key))
	}

	if _, key, ok := ParseAltChannelID(metaString(gatewayMeta, "channel_thread_id")); ok {
		push(key)
	}

	push(from)

	for _, digits := range candidates {
		if IsLikelyPhone(digits) {
			return r.NormalizeDigits(digits)
		}
	}
	if len(candidates) > 0 {
		return r.NormalizeDigits(candidates[0])
	}
	return ""
}

// NormalizeDigits strips formatting, prepends the default country code to
// local-looking numbers and keeps at most 15 digits
func (r *IdentityResolver) NormalizeDigits(value string) string {
	digits := DigitsOnly(value)
	if digits == "" {
		return ""
	}
	if r.countryCode != "" && IsLikelyPhone(digits) && isLocalShape(digits) && !strings.HasPrefix(digits, r.countryCode) {
		digits = r.countryCode + digits
	}
	if len(digits) > 15 {
		digits = digits[len(digits)-15:]
	}
	return digits
}

// ResolveGroupKey returns the canonical group key for a group event, or ""
func (r *IdentityResolver) ResolveGroupKey(gatewayMeta map[string]any, channelThreadID, from string) string {
	candidates := []string{
		metaString(gatewayMeta, "channel_thread_id"),
		channelThreadID,
		metaString(gatewayMeta, "group_jid", "groupJid"),
		metaString(gatewayMeta, "chat_id", "chatId"),
		metaString(gatewayMeta, "remote_jid", "remoteJid"),
		metaString(gatewayMeta, "conversation_id", "conversationId"),
		metaString(gatewayMeta, "id"),
		from,
	}
	for _, candidate := range candidates {
		if key := NormalizeGroupKey(candidate); key != "" {
			return key
		}
	}
	return ""
}

// ResolveGroupAddress returns the first raw group JID ("...@g.us") the
// event carries, or ""
func ResolveGroupAddress(gatewayMeta map[string]any, channelThreadID, from string) string {
	for _, candidate := range []string{
		metaString(gatewayMeta, "group_jid", "groupJid"),
		metaString(gatewayMeta, "chat_id", "chatId"),
		metaString(gatewayMeta, "remote_jid", "remoteJid"),
		channelThreadID,
		from,
	} {
		if strings.HasPrefix(candidate, models.AltChannelPrefix) || strings.HasPrefix(candidate, models.GroupKeyPrefix) {
			continue
		}
		if strings.Contains(candidate, "@g.us") || strings.Contains(candidate, "@newsletter") {
			return candidate
		}
	}
	return ""
}

// NormalizeGroupKey turns any group reference into "group:<lowercase alnum>".
// The key carries no gateway slug so every gateway maps a group to one contact.
func NormalizeGroupKey(candidate string) string {
	value := strings.TrimSpace(candidate)
	if value == "" {
		return ""
	}
	if _, key, ok := ParseAltChannelID(value); ok && key != "" {
		value = key
	}
	value = strings.TrimPrefix(value, models.GroupKeyPrefix)
	if i := strings.Index(value, "@"); i >= 0 {
		value = value[:i]
	}
	value = groupKeyInvalid.ReplaceAllString(value, "")
	if value == "" {
		return ""
	}
	return models.GroupKeyPrefix + strings.ToLower(value)
}

// IsGroupEvent reports whether the event belongs to a group chat or channel
func IsGroupEvent(from string, gatewayMeta map[string]any, profile string) bool {
	chatType := metaString(gatewayMeta, "chat_type")
	if chatType == models.ChatTypeGroup || strings.Contains(chatType, "newsletter") {
		return true
	}
	if strings.HasPrefix(from, models.GroupKeyPrefix) {
		return true
	}

	remoteJID := metaString(gatewayMeta, "remote_jid", "remoteJid", "chat_id", "chatId")
	if remoteJID != "" && (strings.Contains(remoteJID, "@g.us") || strings.Contains(remoteJID, "-")) {
		return true
	}
	if strings.Contains(remoteJID, "@newsletter") {
		return true
	}

	channel := metaString(gatewayMeta, "channel_thread_id")
	if strings.HasPrefix(channel, models.GroupKeyPrefix) || strings.Contains(channel, "@newsletter") {
		return true
	}
	if _, key, ok := ParseAltChannelID(channel); ok && strings.HasPrefix(key, models.GroupKeyPrefix) {
		return true
	}

	if metaPresent(gatewayMeta, "group_jid") || metaPresent(gatewayMeta, "group_participant") || metaPresent(gatewayMeta, "group_subject") {
		return true
	}
	return profile == groupProfileName
}

// ParseAltChannelID splits "alt:<slug>:<key>". A payload without a slug
// yields an empty slug and the whole payload as key.
func ParseAltChannelID(channelID string) (slug, key string, ok bool) {
	if !strings.HasPrefix(channelID, models.AltChannelPrefix) {
		return "", "", false
	}
	payload := strings.TrimPrefix(channelID, models.AltChannelPrefix)
	parts := strings.SplitN(payload, ":", 2)
	if len(parts) == 2 {
		return SanitizeSlug(parts[0]), parts[1], true
	}
	return "", parts[0], true
}

// BuildAltChannelID builds "alt:<slug>:<key>"
func BuildAltChannelID(slug, key string) string {
	return models.AltChannelPrefix + SanitizeSlug(slug) + ":" + key
}

// ContactChannelID is the primary-line channel id for a direct contact
func ContactChannelID(phone string) string {
	return models.ContactChannelPrefix + phone
}

// SanitizeSlug lowercases a gateway slug and replaces invalid characters
func SanitizeSlug(raw string) string {
	slug := strings.ToLower(strings.TrimSpace(raw))
	slug = slugInvalidChars.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-_")
}

// DigitsOnly drops every non-digit character
func DigitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsLikelyPhone reports whether the digits have a plausible E.164 length
func IsLikelyPhone(digits string) bool {
	n := len(DigitsOnly(digits))
	return n >= 10 && n <= 15
}

// isLocalShape matches a local landline (10 digits) or mobile (11 digits
// with the mobile marker after the area code)
func isLocalShape(digits string) bool {
	switch len(digits) {
	case 10:
		return true
	case 11:
		return digits[2] == '9'
	}
	return false
}

// metaString returns the first non-empty value among keys as a string
func metaString(meta map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := meta[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case json.Number:
			s = val.String()
		case float64:
			s = fmt.Sprintf("%.0f", val)
		case int, int64, uint, uint64:
			s = fmt.Sprintf("%d", val)
		case bool:
			if val {
				s = "true"
			}
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// metaMap returns a nested object or nil
func metaMap(meta map[string]any, key string) map[string]any {
	if nested, ok := meta[key].(map[string]any); ok {
		return nested
	}
	return nil
}

func metaPresent(meta map[string]any, key string) bool {
	v, ok := meta[key]
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) != ""
	case map[string]any:
		return len(val) > 0
	case bool:
		return val
	}
	return true
}

func metaBool(meta map[string]any, key string) bool {
	switch val := meta[key].(type) {
	case bool:
		return val
	case string:
		return val == "1" || strings.EqualFold(val, "true")
	case float64:
		return val != 0
	}
	return false
}
