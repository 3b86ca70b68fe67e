// Package pulsebus is the distributed streamfabric.Bus backend: it fans
// incident events out over a goa.design/pulse Redis stream instead of an
// in-process map, so multiple aegis-server replicas behind a load balancer
// share one fabric — a replica that did not drive a given incident's agent
// workflow can still serve a dashboard session subscribed to it. Grounded
// on the teacher's features/stream/pulse package (Sink.Send publishing an
// Envelope, Subscriber.Subscribe consuming a consumer-group sink and
// decoding back into runtime events), generalized from one Pulse stream
// per session to one shared stream for the whole fabric with session-local
// filtering, and from the teacher's own event types to incident.Event.
package pulsebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/streamfabric"
)

// Options configures a Bus.
type Options struct {
	// Redis is the connection backing the shared Pulse stream. Required.
	Redis *redis.Client
	// StreamName names the Pulse stream every replica publishes to and
	// subscribes from. Defaults to "aegis/incidents".
	StreamName string
	// StreamMaxLen bounds the number of entries Redis retains per stream.
	// Zero uses Pulse's own default.
	StreamMaxLen int
}

// envelope is the wire shape published to the Pulse stream, carrying just
// enough of streamfabric.Published to reconstruct it and re-run local
// filter matching on every subscribing replica.
type envelope struct {
	IncidentID   string         `json:"incident_id"`
	DashboardTag string         `json:"dashboard_tag"`
	Event        incident.Event `json:"event"`
}

// Bus implements streamfabric.Bus over one shared Pulse stream. Each
// Subscribe call opens its own consumer group (Pulse sink) on that stream
// so every replica receives every event and decides locally, via the
// session's own Filter, what to deliver.
type Bus struct {
	stream *streaming.Stream

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// New constructs a Bus backed by opts.Redis.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("pulsebus: redis client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = "aegis/incidents"
	}
	var streamOpts []streamopts.Stream
	if opts.StreamMaxLen > 0 {
		streamOpts = append(streamOpts, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
	}
	str, err := streaming.NewStream(name, opts.Redis, streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("pulsebus: create stream %q: %w", name, err)
	}
	return &Bus{stream: str, sessions: make(map[string]context.CancelFunc)}, nil
}

// Publish writes msg to the shared Pulse stream; every replica's
// subscribers (including this one's) observe it via their own consumer
// group sinks.
func (b *Bus) Publish(ctx context.Context, msg streamfabric.Published) {
	env := envelope{IncidentID: msg.IncidentID, DashboardTag: msg.DashboardTag, Event: msg.Event}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	_, _ = b.stream.Add(ctx, string(msg.Event.Kind), payload)
}

// Subscribe opens a dedicated Pulse consumer group for sess, decodes
// incoming envelopes, and feeds them through sess.Offer so the session's
// own Filter and backpressure policy apply identically to the local-bus
// case. Each session gets its own consumer group name so every session on
// every replica sees every event at least once (fan-out, not
// load-balancing, across sessions).
func (b *Bus) Subscribe(filter streamfabric.Filter, sink streamfabric.Sink) (*streamfabric.Session, error) {
	sess := streamfabric.NewSession(uuid.NewString(), filter, sink)

	ctx, cancel := context.WithCancel(context.Background())
	pulseSink, err := b.stream.NewSink(ctx, "aegis_session_"+sess.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pulsebus: open sink: %w", err)
	}

	b.mu.Lock()
	b.sessions[sess.ID] = cancel
	b.mu.Unlock()

	go b.consume(ctx, pulseSink, sess)
	go sess.Dispatch(ctx, func() {
		b.mu.Lock()
		delete(b.sessions, sess.ID)
		b.mu.Unlock()
		pulseSink.Close(context.Background())
	})

	return sess, nil
}

// Unsubscribe tears down sess's Pulse consumer group and stops its
// dispatch loop.
func (b *Bus) Unsubscribe(sess *streamfabric.Session) {
	b.mu.Lock()
	cancel, ok := b.sessions[sess.ID]
	delete(b.sessions, sess.ID)
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

func (b *Bus) consume(ctx context.Context, sink *streaming.Sink, sess *streamfabric.Session) {
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				_ = sink.Ack(ctx, evt)
				continue
			}
			if !sess.Offer(streamfabric.Published{IncidentID: env.IncidentID, DashboardTag: env.DashboardTag, Event: env.Event}) {
				return
			}
			_ = sink.Ack(ctx, evt)
		}
	}
}
