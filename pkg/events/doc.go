// Package events provides an in-memory event broker for portreeve's internal
// pub/sub messaging: the supervisor and TLS materializer publish lifecycle
// events (process started/exited/restarting, certificate issued/renewed) and
// the admin API's event stream endpoint (and anything else interested) can
// subscribe without the publisher knowing who's listening.
//
// Publish is non-blocking: a full subscriber buffer drops the event for that
// subscriber rather than stalling the publisher.
package events
