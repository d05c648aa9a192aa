package license

import (
	"context"
	"log/slog"
	"time"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
)

// Watch sends heartbeats for key until ctx is done or the license is denied,
// calling onResult after each one. The next heartbeat follows the server's
// nextCheckIn when present, the configured interval otherwise; failed
// heartbeats are retried after the retry interval.
func (o *Orchestrator) Watch(ctx context.Context, key string, onResult func(Result)) error {
	for {
		r := o.Heartbeat(ctx, key)
		if onResult != nil {
			onResult(r)
		}
		if r.Status == StatusDenied || r.Status == StatusNotActivated {
			o.logger.WarnContext(ctx, "heartbeat loop stopped",
				slog.String("license", infrastructure.MaskLicenseKey(key)),
				slog.String("code", string(r.Code)))
			return r.Err
		}

		wait := o.nextWait(r)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) nextWait(r Result) time.Duration {
	if r.Status != StatusActive {
		return o.retryInterval
	}
	if r.Grant != nil && r.Grant.NextCheckIn != nil {
		if d := r.Grant.NextCheckIn.Sub(o.now()); d > 0 {
			return d
		}
		return o.retryInterval
	}
	return o.heartbeatInterval
}
