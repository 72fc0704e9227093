package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"jobrelay/internal/broker"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/relay"
	logx "jobrelay/pkg/logx"
)

var ErrPrivateBroker = errors.New("the memory broker is private to one process; configure broker.driver=redis")

// Publish pushes one raw status message onto the ingestion queue of engine,
// using the broker and routes from the config at cfgPath. It returns the
// queue name.
func Publish(ctx context.Context, cfgPath string, engine job.EngineKind, body []byte, log logx.Logger) (string, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return "", err
	}
	if err := config.Validate(cfg); err != nil {
		return "", err
	}
	bc, err := mapBroker(cfg, instanceID(cfg))
	if err != nil {
		return "", err
	}
	if bc.Driver == "" || bc.Driver == "memory" {
		return "", ErrPrivateBroker
	}

	queue := ""
	routes := mapRelay(cfg, "").Routes
	if len(routes) == 0 {
		routes = relay.DefaultRoutes()
	}
	for _, r := range routes {
		if r.Kind == job.EngineKind(strings.ToLower(string(engine))) {
			queue = r.Queue
		}
	}
	if queue == "" {
		return "", fmt.Errorf("no route for engine %q", engine)
	}

	b, err := broker.Open(bc, log)
	if err != nil {
		return "", err
	}
	defer b.Close()
	if err := b.Publish(ctx, queue, body); err != nil {
		return "", fmt.Errorf("publish to %s: %w", queue, err)
	}
	return queue, nil
}
