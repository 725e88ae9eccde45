package signaling

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
)

// Conn is a transport connection as seen by the Dispatcher.
type Conn interface {
	// ID is unique among live connections and stable for the connection's
	// lifetime.
	ID() string
	// Emit sends one event. Delivery is best effort.
	Emit(event string, payload any) error
	// Disconnect forcibly closes the connection. The transport still reports
	// the close through HandleDisconnect.
	Disconnect(reason string)
}

// Dispatcher turns inbound messages into registry operations and emissions.
// It owns the registry; transports only call into the Dispatcher.
type Dispatcher struct {
	registry *registry.Registry[Conn]
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

var _ Handler = (*Dispatcher)(nil)

// NewDispatcher returns a Dispatcher with an empty registry. A nil logger
// falls back to slog.Default.
func NewDispatcher(logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry.New[Conn](),
		logger:   logger,
		metrics:  m,
	}
}

// HandleMessage validates raw and dispatches it. Protocol violations
// disconnect from and return an error wrapping ErrProtocolViolation, after
// which the transport must stop dispatching for from. Payload failures are
// logged, dropped and returned wrapping ErrInvalidPayload; the connection
// stays usable.
func (d *Dispatcher) HandleMessage(ctx context.Context, from Conn, raw any) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) && errors.Is(err, ErrInvalidPayload) {
			d.metrics.Inc(metrics.InvalidPayload)
			d.logger.WarnContext(ctx, "dropping signaling message",
				"conn_id", from.ID(), "app", verr.App, "kind", verr.Kind, "reason", verr.Reason)
			return err
		}
		d.Violation(ctx, from, err.Error())
		return err
	}
	msg.dispatch(ctx, d, from)
	return nil
}

// Violation logs a protocol violation and disconnects from. Transports use it
// for failures they detect before a message reaches HandleMessage.
func (d *Dispatcher) Violation(ctx context.Context, from Conn, reason string) {
	d.metrics.Inc(metrics.ProtocolViolation)
	d.logger.WarnContext(ctx, "protocol violation, disconnecting", "conn_id", from.ID(), "reason", reason)
	from.Disconnect(reason)
}

func (d *Dispatcher) HandleInit(ctx context.Context, from Conn, msg InitMessage) {
	peers := d.registry.Init(msg.App, msg.DisplayName, from.ID(), from)
	d.metrics.Inc(metrics.InitHandled)
	d.logger.DebugContext(ctx, "connection registered",
		"conn_id", from.ID(), "app", msg.App, "display_name", msg.DisplayName, "peers", len(peers))

	if err := from.Emit(EventSocketIDs, SocketIDsPayload{SocketIDs: peers}); err != nil {
		d.emitFailed(ctx, from.ID(), EventSocketIDs, err)
	}
}

// HandleSignal relays to the addressed connection. The sender does not need to
// be registered.
func (d *Dispatcher) HandleSignal(ctx context.Context, from Conn, msg SignalMessage) {
	target, ok := d.registry.Lookup(msg.App, msg.Username, msg.SocketID)
	if !ok {
		d.metrics.Inc(metrics.SignalNoTarget)
		d.logger.DebugContext(ctx, "signal target not found",
			"conn_id", from.ID(), "app", msg.App, "display_name", msg.Username, "target_id", msg.SocketID)
		return
	}

	err := target.Emit(EventSignal, RelayedSignal{SocketID: from.ID(), SignalData: msg.SignalData})
	if err != nil {
		d.emitFailed(ctx, msg.SocketID, EventSignal, err)
		return
	}
	d.metrics.Inc(metrics.SignalRelayed)
}

// HandleDisconnect purges from's registry entry, if any. Nothing is emitted.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, from Conn) {
	entry, ok := d.registry.Remove(from.ID())
	if !ok {
		d.logger.DebugContext(ctx, "unregistered connection closed", "conn_id", from.ID())
		return
	}
	d.logger.DebugContext(ctx, "connection unregistered",
		"conn_id", from.ID(), "app", entry.App, "display_name", entry.DisplayName)
}

// Stats reports the registry counts served on /stats.
func (d *Dispatcher) Stats() registry.Stats {
	return d.registry.Stats()
}

// Peers returns the sorted connection ids registered in (app, displayName).
func (d *Dispatcher) Peers(app, displayName string) []string {
	return d.registry.Peers(app, displayName)
}

func (d *Dispatcher) emitFailed(ctx context.Context, connID, event string, err error) {
	d.metrics.Inc(metrics.EmitFailed)
	d.logger.DebugContext(ctx, "emit failed", "conn_id", connID, "event", event, "err", err)
}
