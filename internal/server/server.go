// Package server wires the kratos HTTP, gRPC and cron servers.
package server

import (
	"context"
	"strings"

	"Bulwark/internal/biz"

	"github.com/google/wire"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer, NewGRPCServer, NewCronServer)

// Operations served over HTTP.
const (
	OperationHealthz   = "/bulwark.health.v1.Health/Healthz"
	OperationReadyz    = "/bulwark.health.v1.Health/Readyz"
	OperationDashboard = "/bulwark.v1.Security/Dashboard"
	OperationIPStatus  = "/bulwark.v1.Security/IPStatus"

	// guardedPrefix selects the operations behind the IP and rate limit guards.
	guardedPrefix = "/bulwark.v1."
	// sessionPrefix selects the operations that require a session.
	sessionPrefix = "/bulwark.v1.Security/"
)

// endpointClasses maps operations to rate limit classes; the rest use api.
var endpointClasses = map[string]string{
	OperationDashboard: biz.ClassAdmin,
	OperationIPStatus:  biz.ClassAdmin,
}

func classify(operation string) string {
	if c, ok := endpointClasses[operation]; ok {
		return c
	}
	return biz.ClassAPI
}

func guarded(_ context.Context, operation string) bool {
	return strings.HasPrefix(operation, guardedPrefix)
}

func sessionRequired(_ context.Context, operation string) bool {
	return strings.HasPrefix(operation, sessionPrefix)
}
