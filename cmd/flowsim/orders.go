package main

import (
	"context"
	"fmt"

	"github.com/stageflow/stageflow/exprcond"
	"github.com/stageflow/stageflow/flow"
)

// Order is the demo domain state driven through the flow.
type Order struct {
	Reference string
	Total     float64
	Rush      bool
	Validated bool
	Carrier   string
}

// OrderStage enumerates the stages of the demo flow.
type OrderStage string

func (s OrderStage) String() string { return string(s) }

const (
	stageReceived     OrderStage = "received"
	stageAwaitPayment OrderStage = "await-payment"
	stageDispatch     OrderStage = "dispatch"
	stagePriority     OrderStage = "ship-priority"
	stageStandard     OrderStage = "ship-standard"
	stageClosed       OrderStage = "closed"
)

// OrderEvent enumerates the external stimuli the demo flow waits on.
type OrderEvent string

func (e OrderEvent) String() string { return string(e) }

const (
	eventPaymentReceived OrderEvent = "payment-received"
	eventCallOff         OrderEvent = "call-off"
)

// buildOrderFlow assembles the demo flow:
//
//	received -> await-payment --payment-received--> dispatch -> (priority|standard)
//	                          --call-off----------> closed
func buildOrderFlow() (*flow.Flow[Order], error) {
	priority, err := exprcond.Predicate[Order]("Total > 500.0 || Rush")
	if err != nil {
		return nil, err
	}

	b := flow.NewBuilder[Order]()
	b.Initial(stageReceived)
	b.Stage(stageReceived).
		Action(validateOrder).
		Next(stageAwaitPayment)
	b.Stage(stageAwaitPayment).
		On(eventPaymentReceived, stageDispatch).
		On(eventCallOff, stageClosed)
	b.Stage(stageDispatch).
		When(flow.If(priority, "priority shipment?",
			flow.To[Order](stagePriority),
			flow.To[Order](stageStandard)))
	b.Stage(stagePriority).Action(shipWith("overnight-courier"))
	b.Stage(stageStandard).Action(shipWith("parcel-post"))
	b.Stage(stageClosed)
	return b.Build()
}

func validateOrder(_ context.Context, order Order) (*Order, error) {
	if order.Total < 0 {
		return nil, fmt.Errorf("order %s has negative total %.2f", order.Reference, order.Total)
	}
	order.Validated = true
	return &order, nil
}

func shipWith(carrier string) flow.Action[Order] {
	return func(_ context.Context, order Order) (*Order, error) {
		order.Carrier = carrier
		return &order, nil
	}
}
