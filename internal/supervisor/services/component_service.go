// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package services

import (
	"context"
)

// ComponentService supervises a component that runs its own internal
// goroutines (the audit writer, the profile updater). The component needs
// no restart loop of its own; supervision here only ensures its stop
// function runs during tree shutdown, in dependency order with the rest
// of the tree.
type ComponentService struct {
	name string
	stop func() error
}

// NewComponentService wraps a component's stop function as a supervised
// service. Pass nil-safe stop functions; the wrapper does not guard
// against nil.
func NewComponentService(name string, stop func() error) *ComponentService {
	return &ComponentService{name: name, stop: stop}
}

// Serve implements suture.Service. It blocks until the context is
// canceled, then stops the component.
func (c *ComponentService) Serve(ctx context.Context) error {
	<-ctx.Done()
	if err := c.stop(); err != nil {
		return err
	}
	return ctx.Err()
}

// String implements fmt.Stringer for logging.
func (c *ComponentService) String() string {
	return c.name
}
