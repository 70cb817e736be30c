package gwtypes

import "strings"

// ToolNamespaceSeparator is the reserved infix between a normalized
// service name and a tool's original name in an exposed tool name. It
// must never appear inside an originalName.
const ToolNamespaceSeparator = "_xzcli_"

// NormalizeServiceName replaces '-' with '_' so a service name is safe to
// embed in an exposed tool name. Idempotent: NormalizeServiceName is a
// no-op on its own output.
func NormalizeServiceName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// ExposedToolName builds the namespaced name a downstream endpoint sees
// for a tool owned by serviceName.
func ExposedToolName(serviceName, originalName string) string {
	return NormalizeServiceName(serviceName) + ToolNamespaceSeparator + originalName
}

// SplitExposedToolName reverses ExposedToolName, returning the
// (normalized-service, original-tool) pair. ok is false if the name does
// not contain the namespace separator.
func SplitExposedToolName(exposedName string) (service, tool string, ok bool) {
	idx := strings.Index(exposedName, ToolNamespaceSeparator)
	if idx < 0 {
		return "", "", false
	}
	return exposedName[:idx], exposedName[idx+len(ToolNamespaceSeparator):], true
}
