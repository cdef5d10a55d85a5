package system

import "context"

// Lifecycle is embeddable by components that don't need real start/stop
// hooks (spec components driven entirely by the HTTP API, say).
type Lifecycle struct{}

func (Lifecycle) Name() string { return "" }

func (Lifecycle) Start(ctx context.Context) error { return nil }

func (Lifecycle) Stop(ctx context.Context) error { return nil }
