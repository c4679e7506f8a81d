package admission

import "strings"

// DefaultKeyPrefix namespaces every key the limiter writes.
const DefaultKeyPrefix = "admission"

// GlobalTenant is the tenant used when a check carries no tenant identifier.
const GlobalTenant = "_global"

// KeyBuilder builds the store keys of a limiter. Provider and tenant names are
// validated against a glob-free alphabet before they reach a key, so a prefix
// delete for one provider can never match another provider's keys.
type KeyBuilder struct {
	prefix string
}

// NewKeyBuilder creates a KeyBuilder with the given prefix.
func NewKeyBuilder(prefix string) KeyBuilder {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return KeyBuilder{prefix: prefix}
}

// Bucket returns the token bucket key of a provider+tenant pair.
func (kb KeyBuilder) Bucket(provider, tenant string) string {
	if tenant == "" {
		tenant = GlobalTenant
	}
	return kb.join("bucket", provider, tenant)
}

// BucketPrefix returns the prefix shared by every bucket of provider.
func (kb KeyBuilder) BucketPrefix(provider string) string {
	return kb.join("bucket", provider) + ":"
}

// Failures returns the failure counter key of a provider.
func (kb KeyBuilder) Failures(provider string) string {
	return kb.join("failures", provider)
}

// Cooldown returns the cooldown flag key of a provider.
func (kb KeyBuilder) Cooldown(provider string) string {
	return kb.join("cooldown", provider)
}

// Config returns the registration key of a provider.
func (kb KeyBuilder) Config(provider string) string {
	return kb.join("config", provider)
}

func (kb KeyBuilder) join(parts ...string) string {
	return kb.prefix + ":" + strings.Join(parts, ":")
}
