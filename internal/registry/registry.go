// Package registry maintains the gateway's view of healthy backend instances.
//
// The service registry speaks a Consul-compatible HTTP API. A background
// refresher replaces the cached instance lists atomically; request handlers
// read a snapshot pointer and never lock. On registry failure the previous
// snapshot keeps serving until the staleness bound, after which Pick fails.
package registry

import (
	"errors"
	"fmt"
)

// ErrNoInstance is returned by Pick when no healthy instance is available for
// the requested backend, or the cached view is stale beyond the bound.
var ErrNoInstance = errors.New("no healthy instance")

// Instance is a single discovered backend process.
type Instance struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// URL returns the HTTP base URL of the instance.
func (i Instance) URL() string {
	return fmt.Sprintf("http://%s:%d", i.Address, i.Port)
}

// HostPort returns the dialable address of the instance.
func (i Instance) HostPort() string {
	return fmt.Sprintf("%s:%d", i.Address, i.Port)
}
