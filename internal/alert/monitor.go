package alert

import (
	"context"
	"time"

	"github.com/jettran001/diamondBotV2/internal/circuitbreaker"
	"github.com/jettran001/diamondBotV2/internal/rpcpool"
)

// sendTimeout bounds alert delivery so a dead webhook never blocks the
// pool or breaker callback path.
const sendTimeout = 5 * time.Second

// BreakerHook returns a runtime breaker observer that raises alerts on
// trips and recoveries.
func BreakerHook(alerter Alerter, chainName string) func(endpoint string, from, to circuitbreaker.State) {
	return func(endpoint string, from, to circuitbreaker.State) {
		var a Alert
		switch {
		case to == circuitbreaker.StateOpen:
			a = Alert{
				Type:     AlertTypeBreakerOpen,
				Chain:    chainName,
				Endpoint: endpoint,
				Title:    "circuit breaker opened",
				Message:  "endpoint short-circuited after repeated failures",
				Fields:   map[string]string{"from": from.String()},
			}
		case from != circuitbreaker.StateClosed && to == circuitbreaker.StateClosed:
			a = Alert{
				Type:     AlertTypeBreakerRecovered,
				Chain:    chainName,
				Endpoint: endpoint,
				Title:    "circuit breaker closed",
				Message:  "endpoint passed its half-open trials",
			}
		default:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_ = alerter.Send(ctx, a)
	}
}

// HealthHook returns a pool health observer that raises alerts when an
// endpoint becomes unavailable or comes back.
func HealthHook(alerter Alerter, chainName string) rpcpool.HealthChangeFunc {
	return func(url string, from, to rpcpool.Health) {
		var a Alert
		switch {
		case to == rpcpool.Unavailable:
			a = Alert{
				Type:     AlertTypeEndpointDown,
				Chain:    chainName,
				Endpoint: url,
				Title:    "endpoint unavailable",
				Message:  "endpoint removed from selection until it recovers",
				Fields:   map[string]string{"from": from.String()},
			}
		case from == rpcpool.Unavailable:
			a = Alert{
				Type:     AlertTypeEndpointRecovered,
				Chain:    chainName,
				Endpoint: url,
				Title:    "endpoint recovered",
				Message:  "endpoint back in selection",
				Fields:   map[string]string{"to": to.String()},
			}
		default:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		_ = alerter.Send(ctx, a)
	}
}
