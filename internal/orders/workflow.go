package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"conveyor/internal/saga"
)

// WorkflowKind is the order saga's registration name. ShippingWorkflowKind
// names the child saga registered by the shipping package.
const (
	WorkflowKind         = "order"
	ShippingWorkflowKind = "shipping"
)

// Signal names, shared with the HTTP surface and the shipping child.
const (
	SignalApprove        = "ApproveOrder"
	SignalCancel         = "CancelOrder"
	SignalUpdateAddress  = "UpdateAddress"
	SignalShippingFailed = "ShippingFailed"
)

// Query names.
const (
	QueryCurrentStep = "current_step"
	QueryLastError   = "last_error"
	QueryAddress     = "address"
)

// Saga step labels, in transition order.
const (
	StepStarted         = "started"
	StepReceivingOrder  = "receiving_order"
	StepValidatingOrder = "validating_order"
	StepWaitingApproval = "waiting_for_approval"
	StepCancelled       = "cancelled"
	StepChargingPayment = "charging_payment"
	StepShipping        = "shipping"
	StepCompleted       = "completed"
)

// ResultCancelled is the distinguishable terminal result of a saga cancelled
// by signal; it is an outcome, not an error.
const ResultCancelled = "cancelled"

// WorkflowInput starts an order saga.
type WorkflowInput struct {
	OrderID     string  `json:"order_id"`
	Address     Address `json:"address"`
	AmountCents int64   `json:"amount_cents"`
}

// WorkflowConfig carries the review window and the per-activity retry
// policies. Charging retries generously: transient gateway trouble resolves,
// and the idempotency token makes repeats safe. Validation does not.
type WorkflowConfig struct {
	ApprovalWindow time.Duration
	ReceiveRetry   saga.RetryPolicy
	ValidateRetry  saga.RetryPolicy
	ChargeRetry    saga.RetryPolicy
}

// DefaultWorkflowConfig returns the production policy set.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		ApprovalWindow: 10 * time.Second,
		ReceiveRetry: saga.RetryPolicy{
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		ValidateRetry: saga.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		ChargeRetry: saga.RetryPolicy{
			MaxAttempts: 30,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
		},
	}
}

// Workflow is the parent order saga: receive → validate → await approval →
// charge → ship (child saga) → complete. One value exists per instance; its
// fields are read by signal and query handlers under the instance lock, so
// the workflow body mutates them only through ctx.Update.
type Workflow struct {
	activities *Activities
	cfg        WorkflowConfig

	orderID     string
	amountCents int64

	currentStep    string
	address        Address
	isApproved     bool
	isCancelled    bool
	lastError      string
	shippingAdvice string
}

// NewWorkflowFactory returns the saga factory for order workflows.
func NewWorkflowFactory(activities *Activities, cfg WorkflowConfig) saga.Factory {
	return func(instanceID string, args json.RawMessage) (saga.Workflow, error) {
		var in WorkflowInput
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		if in.OrderID == "" {
			in.OrderID = instanceID
		}
		return &Workflow{
			activities:  activities,
			cfg:         cfg,
			orderID:     in.OrderID,
			amountCents: in.AmountCents,
			currentStep: StepStarted,
			address:     in.Address,
		}, nil
	}
}

func (w *Workflow) Run(ctx *saga.Context) (string, error) {
	w.register(ctx)
	log := ctx.Logger()
	log.Info("order saga started", zap.String("order_id", w.orderID))

	result, err := w.steps(ctx)
	if err != nil {
		if errors.Is(err, saga.ErrCanceled) {
			ctx.Update(func() { w.currentStep = StepCancelled })
			return "", err
		}
		ctx.Update(func() {
			if w.lastError == "" {
				w.lastError = err.Error()
			}
		})
		return "", err
	}
	return result, nil
}

func (w *Workflow) steps(ctx *saga.Context) (string, error) {
	log := ctx.Logger()

	w.setStep(ctx, StepReceivingOrder)
	if _, err := ctx.Execute("order_received", w.cfg.ReceiveRetry, func(actx context.Context) (string, error) {
		return w.activities.ReceiveOrder(actx, w.orderID, w.currentAddress())
	}); err != nil {
		return "", err
	}

	w.setStep(ctx, StepValidatingOrder)
	if _, err := ctx.Execute("order_validated", w.cfg.ValidateRetry, func(actx context.Context) (string, error) {
		return "", w.activities.ValidateOrder(actx, w.orderID)
	}); err != nil {
		return "", err
	}

	w.setStep(ctx, StepWaitingApproval)
	err := ctx.Await(func() bool { return w.isApproved || w.isCancelled }, w.cfg.ApprovalWindow)
	if errors.Is(err, saga.ErrAwaitTimeout) {
		w.fail(ctx, "Approval timeout")
		log.Warn("approval timeout", zap.String("order_id", w.orderID))
		return "", saga.NonRetryable(errors.New("order timed out awaiting approval"))
	}
	if err != nil {
		return "", err
	}

	if w.cancelledBySignal() {
		ctx.Update(func() { w.currentStep = StepCancelled })
		log.Info("order cancelled by signal", zap.String("order_id", w.orderID))
		return ResultCancelled, nil
	}

	w.setStep(ctx, StepChargingPayment)
	token := PaymentToken(w.orderID)
	if _, err := ctx.Execute("payment_charged", w.cfg.ChargeRetry, func(actx context.Context) (string, error) {
		return w.activities.ChargePayment(actx, w.orderID, w.amountCents, token)
	}); err != nil {
		return "", err
	}

	w.setStep(ctx, StepShipping)
	tracking, err := ctx.ExecuteChild(ShippingWorkflowKind, ShippingInstanceID(w.orderID), map[string]any{
		"order_id": w.orderID,
	})
	if err != nil {
		if errors.Is(err, saga.ErrCanceled) {
			return "", err
		}
		reason := err.Error()
		var childErr *saga.ChildError
		if errors.As(err, &childErr) {
			reason = childErr.Err.Error()
		}
		// The propagated child failure is authoritative; the ShippingFailed
		// signal is advisory only.
		if advice := w.shippingAdvice; advice != "" && advice != reason {
			log.Info("shipping failure notice differs from propagated error",
				zap.String("notice", advice),
				zap.String("propagated", reason),
			)
		}
		w.fail(ctx, "Shipping failed: "+reason)
		return "", err
	}

	w.setStep(ctx, StepCompleted)
	return tracking, nil
}

// register installs the signal and query handlers. Handlers run under the
// instance lock, so plain field access here is safe.
func (w *Workflow) register(ctx *saga.Context) {
	log := ctx.Logger()

	ctx.OnSignal(SignalApprove, func(json.RawMessage) {
		w.isApproved = true
	})
	ctx.OnSignal(SignalCancel, func(json.RawMessage) {
		w.isCancelled = true
	})
	ctx.OnSignal(SignalUpdateAddress, func(payload json.RawMessage) {
		switch w.currentStep {
		case StepReceivingOrder, StepValidatingOrder, StepWaitingApproval:
			var addr Address
			if err := json.Unmarshal(payload, &addr); err != nil {
				log.Warn("address update payload rejected", zap.Error(err))
				return
			}
			w.address = addr
			log.Info("address updated", zap.String("order_id", w.orderID))
		default:
			// Later steps already committed decisions based on the prior
			// address; reject and keep it unchanged.
			log.Warn("address update rejected",
				zap.String("order_id", w.orderID),
				zap.String("current_step", w.currentStep),
			)
		}
	})
	ctx.OnSignal(SignalShippingFailed, func(payload json.RawMessage) {
		var reason string
		_ = json.Unmarshal(payload, &reason)
		w.shippingAdvice = reason
		log.Warn("shipping failure notice received", zap.String("reason", reason))
	})

	ctx.OnQuery(QueryCurrentStep, func() string { return w.currentStep })
	ctx.OnQuery(QueryLastError, func() string { return w.lastError })
	ctx.OnQuery(QueryAddress, func() string {
		data, err := json.Marshal(w.address)
		if err != nil {
			return "{}"
		}
		return string(data)
	})
}

func (w *Workflow) setStep(ctx *saga.Context, step string) {
	ctx.Update(func() { w.currentStep = step })
}

func (w *Workflow) currentAddress() Address {
	// Signal handlers run on this same goroutine, between suspension
	// points, so reading here cannot observe a half-applied update.
	return w.address
}

func (w *Workflow) cancelledBySignal() bool {
	return w.isCancelled
}

// fail records the failure on the saga state and, best-effort, on the order
// row so the status surface outlives the instance.
func (w *Workflow) fail(ctx *saga.Context, message string) {
	ctx.Update(func() { w.lastError = message })
	w.activities.RecordFailure(context.Background(), w.orderID, message)
}
