package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JurisFlow/IntakeFlow/internal/flow"
	"github.com/JurisFlow/IntakeFlow/internal/models"
	"github.com/JurisFlow/IntakeFlow/internal/resilience"
)

// Dispatcher consumes inbound messages from a Sender, runs each through the
// flow engine, and delivers the resulting outbound messages through the
// retry-wrapped sender.
type Dispatcher struct {
	sender Sender
	engine *flow.Engine
	exec   *resilience.Executor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given sender and engine.
func NewDispatcher(sender Sender, engine *flow.Engine, exec *resilience.Executor) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		engine: engine,
		exec:   exec,
	}
}

// Start begins consuming the sender's Responses channel.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	slog.Debug("Dispatcher.Start: inbound loop started")
	return nil
}

// Stop cancels the inbound loop and waits for the in-flight turn to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	slog.Info("Dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-d.sender.Responses():
			if !ok {
				slog.Debug("Dispatcher.loop: responses channel closed")
				return
			}
			d.handleInbound(ctx, inbound)
		}
	}
}

// handleInbound processes one inbound message end to end. Engine faults still
// carry a user-facing message, which is delivered like any other result.
func (d *Dispatcher) handleInbound(ctx context.Context, inbound models.InboundMessage) {
	address, err := d.sender.ValidateAndCanonicalizeRecipient(inbound.From)
	if err != nil {
		slog.Warn("Dispatcher.handleInbound: invalid sender address", "error", err, "from", inbound.From)
		return
	}

	res, err := d.engine.Handle(ctx, address, inbound.Body)
	if err != nil {
		slog.Error("Dispatcher.handleInbound: turn failed", "error", err, "address", address)
	}
	if res == nil {
		return
	}
	d.Deliver(ctx, address, res)
}

// Deliver sends each outbound message through the resilience executor.
// A failed delivery is logged and does not block the remaining messages.
func (d *Dispatcher) Deliver(ctx context.Context, address string, res *models.FlowResult) {
	for _, msg := range res.Messages {
		msg := msg
		fc := models.FaultContext{
			Address:   address,
			Operation: "Send",
			Timestamp: time.Now(),
		}
		err := d.exec.Execute(ctx, DependencySender, fc, func(ctx context.Context) error {
			if msg.Kind == models.MessageKindInteractive {
				return d.sender.SendInteractive(ctx, address, msg)
			}
			return d.sender.SendText(ctx, address, msg.Body)
		})
		if err != nil {
			slog.Error("Dispatcher.Deliver: send failed", "error", err, "address", address, "kind", msg.Kind)
		}
	}
}
