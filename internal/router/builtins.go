package router

import (
	"context"
	"errors"

	"github.com/akshayaggarwal99/brickwrap/internal/game"
	"github.com/akshayaggarwal99/brickwrap/internal/proto"
)

const builtinVersion = "1"

func (r *Router) builtins() []Spec {
	return []Spec{
		Command(game.CommandBan, builtinVersion, func(ctx context.Context, _ Call, cmd game.Ban) (any, error) {
			return r.execute(ctx, cmd)
		}),
		Command(game.CommandBroadcast, builtinVersion, func(ctx context.Context, _ Call, cmd game.Broadcast) (any, error) {
			return r.execute(ctx, cmd)
		}),
		Command(game.CommandWriteLine, builtinVersion, func(ctx context.Context, _ Call, cmd game.WriteLine) (any, error) {
			return r.execute(ctx, cmd)
		}),
		Command(proto.MethodSubscribe, builtinVersion, func(_ context.Context, call Call, p subscription) (any, error) {
			subs, err := r.registry.Subscribe(call.PluginID, p.Events...)
			if err != nil {
				return nil, err
			}
			return proto.SubscriptionResult{Subscriptions: subs}, nil
		}),
		Command(proto.MethodUnsubscribe, builtinVersion, func(_ context.Context, call Call, p subscription) (any, error) {
			subs, err := r.registry.Unsubscribe(call.PluginID, p.Events...)
			if err != nil {
				return nil, err
			}
			return proto.SubscriptionResult{Subscriptions: subs}, nil
		}),
	}
}

type subscription proto.SubscriptionParams

func (p subscription) Validate() error {
	if len(p.Events) == 0 {
		return errors.New("events is required")
	}
	for _, kind := range p.Events {
		if kind == "" {
			return errors.New("event kind must not be empty")
		}
	}
	return nil
}
