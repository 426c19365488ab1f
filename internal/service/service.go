// Package service implements the transport-facing services on top of biz.
package service

import "github.com/google/wire"

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewHealthService, NewSecurityService, NewMaintenanceService)
