package pipeline

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/signalmesh/realtime/src/guard"
)

// BuiltinDeps wires the built-in middleware to the guard components.
type BuiltinDeps struct {
	Filter    *guard.IpFilter
	Protector *guard.AbuseProtector
	Limiter   *guard.MultiLimiter
	Logger    zerolog.Logger
}

// RegisterBuiltins installs the standard admission-control middleware with
// their fixed priorities:
//
//	security  10  deny-listed IPs
//	ip-allow  20  allow-list enforcement
//	ddos      30  connection-velocity guard
//	throttle  40  per-ip/connection/identity rate limits
//	auth      50  requires an authenticated identity
//	role      60  requires one of the given roles, e.g. "role:admin,moderator"
//	verified  70  requires the verified attribute
//	premium   70  requires the premium attribute
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	r.Register("security", PrioritySecurity, func([]string) (Middleware, error) {
		return MiddlewareFunc(func(req *Request, next Next) bool {
			if deps.Filter != nil && deps.Filter.Denied(req.RemoteIP) {
				return false
			}
			return next(req)
		}), nil
	})

	r.Register("ip-allow", PriorityIPAllow, func([]string) (Middleware, error) {
		return MiddlewareFunc(func(req *Request, next Next) bool {
			if deps.Filter != nil && !deps.Filter.Allowed(req.RemoteIP) {
				return false
			}
			return next(req)
		}), nil
	})

	r.Register("ddos", PriorityAbuse, func([]string) (Middleware, error) {
		return MiddlewareFunc(func(req *Request, next Next) bool {
			if deps.Protector != nil && !deps.Protector.IsAllowed(req.RemoteIP) {
				return false
			}
			return next(req)
		}), nil
	})

	r.Register("throttle", PriorityThrottle, func([]string) (Middleware, error) {
		return MiddlewareFunc(func(req *Request, next Next) bool {
			if deps.Limiter != nil {
				err := deps.Limiter.Allow(guard.LimitRequest{
					IP:           req.RemoteIP,
					ConnectionID: req.ConnectionID,
					Identity:     req.Identity,
				})
				if err != nil {
					deps.Logger.Debug().Err(err).Str("channel", req.Channel).Msg("throttled")
					return false
				}
			}
			return next(req)
		}), nil
	})

	r.Register("auth", PriorityAuth, func([]string) (Middleware, error) {
		return MiddlewareFunc(func(req *Request, next Next) bool {
			if req.Identity == "" {
				return false
			}
			return next(req)
		}), nil
	})

	r.Register("role", PriorityRole, func(args []string) (Middleware, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("role middleware requires at least one role argument")
		}
		return MiddlewareFunc(func(req *Request, next Next) bool {
			for _, want := range args {
				if hasRole(req, want) {
					return next(req)
				}
			}
			return false
		}), nil
	})

	r.Register("verified", PriorityBusiness, attributeFlag("verified"))
	r.Register("premium", PriorityBusiness, attributeFlag("premium"))
}

// attributeFlag builds middleware that requires a boolean attribute to be set.
func attributeFlag(name string) Factory {
	return func([]string) (Middleware, error) {
		return MiddlewareFunc(func(req *Request, next Next) bool {
			flag, _ := req.Attributes[name].(bool)
			if !flag {
				return false
			}
			return next(req)
		}), nil
	}
}

func hasRole(req *Request, role string) bool {
	roles, _ := req.Attributes["roles"].([]string)
	for _, have := range roles {
		if have == role {
			return true
		}
	}
	return false
}
