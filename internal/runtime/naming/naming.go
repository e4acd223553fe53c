// Package naming derives broker topic and consumer group names from the
// instance id, tenant token and purpose. Every name is deterministic.
package naming

import "strings"

// Well-known topic purposes.
const (
	PurposeInboundEvents       = "inbound-events"
	PurposeOutboundEvents      = "outbound-events"
	PurposeEnrichedEvents      = "enriched-events"
	PurposeTenantModelUpdates  = "tenant-model-updates"
	PurposeUnregisteredDevices = "unregistered-devices"
)

const globalScope = "global"

// TenantTopic names a tenant-scoped topic: {instance}.tenant.{token}.{purpose}.
func TenantTopic(instance, token, purpose string) string {
	return join(instance, "tenant", token, purpose)
}

// TenantPrefix is the prefix shared by every topic of a tenant.
func TenantPrefix(instance, token string) string {
	return join(instance, "tenant", token) + "."
}

// GlobalTopic names an instance-wide topic: {instance}.global.{purpose}.
func GlobalTopic(instance, purpose string) string {
	return join(instance, globalScope, purpose)
}

// TenantModelUpdates is the bootstrap topic carrying tenant notifications.
func TenantModelUpdates(instance string) string {
	return GlobalTopic(instance, PurposeTenantModelUpdates)
}

// ConsumerGroup names the group of one tenant connector:
// {instance}.{token}.{connector}.
func ConsumerGroup(instance, token, connectorID string) string {
	return join(instance, token, connectorID)
}

// TenantFromTopic extracts the tenant token from a tenant topic. ok is false
// when topic was not produced by TenantTopic for instance.
func TenantFromTopic(instance, topic string) (token string, ok bool) {
	rest, found := strings.CutPrefix(topic, clean(instance)+".tenant.")
	if !found {
		return "", false
	}
	token, _, found = strings.Cut(rest, ".")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func join(parts ...string) string {
	for i, p := range parts {
		parts[i] = clean(p)
	}
	return strings.Join(parts, ".")
}

// clean trims surrounding whitespace and dots so names never contain empty
// segments.
func clean(s string) string {
	return strings.Trim(strings.TrimSpace(s), ".")
}
