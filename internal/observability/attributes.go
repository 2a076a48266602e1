// Package observability provides metrics for the jobs service.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrLauncher = "launcher"
	attrClass    = "class"
	attrSuccess  = "success"
	attrStage    = "stage"
	attrReason   = "reason"
	attrProvider = "provider"
)

// knownPaths are the routes reported verbatim; anything else collapses to "other".
var knownPaths = map[string]bool{
	"/v1/jobs": true,
	"/livez":   true,
	"/readyz":  true,
	"/metrics": true,
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func launcherAttr(launcher string) attribute.KeyValue {
	return attribute.String(attrLauncher, launcher)
}

func classAttr(class string) attribute.KeyValue {
	return attribute.String(attrClass, class)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func providerAttr(provider string) attribute.KeyValue {
	return attribute.String(attrProvider, provider)
}

// normalizePath keeps label cardinality bounded for unrouted requests.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "other"
}
