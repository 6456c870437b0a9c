package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"conveyor/internal/orders"
	"conveyor/internal/saga"
)

// WorkflowKind is the shipping saga's registration name; it must match
// orders.ShippingWorkflowKind.
const WorkflowKind = "shipping"

// Step labels for the child saga.
const (
	StepPreparingPackage   = "preparing_package"
	StepDispatchingCarrier = "dispatching_carrier"
)

// WorkflowInput starts a shipping saga.
type WorkflowInput struct {
	OrderID string `json:"order_id"`
}

// WorkflowConfig carries the per-activity retry policies. Warehouse glitches
// usually resolve quickly; the carrier is an external API retried with
// backoff.
type WorkflowConfig struct {
	PrepareRetry  saga.RetryPolicy
	DispatchRetry saga.RetryPolicy
}

// DefaultWorkflowConfig returns the production policy set.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		PrepareRetry: saga.RetryPolicy{
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		DispatchRetry: saga.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			MaxDelay:    time.Minute,
		},
	}
}

// Workflow is the child shipping saga: prepare package → dispatch carrier.
// On dispatch failure it notifies the parent best-effort, then fails so its
// own terminal state records the error; the parent reacts to the propagated
// failure regardless of the notice.
type Workflow struct {
	activities *Activities
	cfg        WorkflowConfig

	orderID     string
	currentStep string
}

// NewWorkflowFactory returns the saga factory for shipping workflows.
func NewWorkflowFactory(activities *Activities, cfg WorkflowConfig) saga.Factory {
	return func(instanceID string, args json.RawMessage) (saga.Workflow, error) {
		var in WorkflowInput
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return &Workflow{
			activities:  activities,
			cfg:         cfg,
			orderID:     in.OrderID,
			currentStep: orders.StepStarted,
		}, nil
	}
}

func (w *Workflow) Run(ctx *saga.Context) (string, error) {
	ctx.OnQuery(orders.QueryCurrentStep, func() string { return w.currentStep })
	log := ctx.Logger()
	log.Info("shipping saga started", zap.String("order_id", w.orderID))

	ctx.Update(func() { w.currentStep = StepPreparingPackage })
	boxID, err := ctx.Execute("package_prepared", w.cfg.PrepareRetry, func(actx context.Context) (string, error) {
		return w.activities.PreparePackage(actx, w.orderID)
	})
	if err != nil {
		log.Error("packaging failed", zap.Error(err))
		return "", err
	}

	ctx.Update(func() { w.currentStep = StepDispatchingCarrier })
	tracking, err := ctx.Execute("carrier_dispatched", w.cfg.DispatchRetry, func(actx context.Context) (string, error) {
		return w.activities.DispatchCarrier(actx, w.orderID, boxID)
	})
	if err != nil {
		if parent := ctx.ParentID(); parent != "" && !errors.Is(err, saga.ErrCanceled) {
			// Best-effort notice; the propagated error below is what the
			// parent acts on.
			delivered := ctx.SendSignal(parent, orders.SignalShippingFailed, err.Error())
			log.Warn("dispatch failed, parent notified",
				zap.Bool("delivered", delivered),
				zap.Error(err),
			)
		}
		return "", err
	}

	log.Info("shipping completed", zap.String("tracking_number", tracking))
	return tracking, nil
}
