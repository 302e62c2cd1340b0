package adviser

import (
	"context"
	"errors"

	"github.com/rendis/orchestra/pkg/schema"
)

// Routing adviser types.
const (
	TypeOnSuccess          = "ON_SUCCESS"
	TypeOnFail             = "ON_FAIL"
	TypeIgnore             = "IGNORE"
	TypeManualIntervention = "MANUAL_INTERVENTION"
	TypeAbort              = "ABORT"
)

func nextStep(params map[string]any) schema.Advise {
	next := stringParam(params, schema.ParamNextNodeID)
	if next == "" {
		return nil
	}
	return &schema.NextStepAdvise{NextNodeID: next}
}

func requireNext(adviserType string, params map[string]any) error {
	if stringParam(params, schema.ParamNextNodeID) == "" {
		return validationError(adviserType, errors.New("nextNodeId is required"))
	}
	return nil
}

// onSuccessAdviser continues to nextNodeId after a positive status.
type onSuccessAdviser struct{}

func (a *onSuccessAdviser) Type() string { return TypeOnSuccess }

func (a *onSuccessAdviser) OnAdviseEvent(_ context.Context, ev Event) (schema.Advise, error) {
	if !ev.Status.IsPositive() {
		return nil, nil
	}
	return nextStep(ev.Parameters), nil
}

func (a *onSuccessAdviser) ValidateParams(params map[string]any) error {
	return requireNext(TypeOnSuccess, params)
}

// onFailAdviser continues to nextNodeId after a broke status.
type onFailAdviser struct{}

func (a *onFailAdviser) Type() string { return TypeOnFail }

func (a *onFailAdviser) OnAdviseEvent(_ context.Context, ev Event) (schema.Advise, error) {
	if !ev.Status.IsBroke() {
		return nil, nil
	}
	return nextStep(ev.Parameters), nil
}

func (a *onFailAdviser) ValidateParams(params map[string]any) error {
	return requireNext(TypeOnFail, params)
}

// ignoreAdviser continues past failures, optionally only for some failure types.
type ignoreAdviser struct{}

func (a *ignoreAdviser) Type() string { return TypeIgnore }

func (a *ignoreAdviser) OnAdviseEvent(_ context.Context, ev Event) (schema.Advise, error) {
	if !ev.Status.IsBroke() || ev.Status == schema.StatusAborted {
		return nil, nil
	}
	types, err := failureTypesParam(ev.Parameters)
	if err != nil {
		return nil, validationError(TypeIgnore, err)
	}
	if len(types) > 0 && !ev.FailureInfo.HasAnyType(types) {
		return nil, nil
	}
	return nextStep(ev.Parameters), nil
}

func (a *ignoreAdviser) ValidateParams(params map[string]any) error {
	if _, err := failureTypesParam(params); err != nil {
		return validationError(TypeIgnore, err)
	}
	return requireNext(TypeIgnore, params)
}

// manualInterventionAdviser parks broke nodes until an operator acts.
type manualInterventionAdviser struct{}

func (a *manualInterventionAdviser) Type() string { return TypeManualIntervention }

func (a *manualInterventionAdviser) OnAdviseEvent(_ context.Context, ev Event) (schema.Advise, error) {
	if !ev.Status.IsBroke() || ev.Status == schema.StatusAborted {
		return nil, nil
	}
	types, err := failureTypesParam(ev.Parameters)
	if err != nil {
		return nil, validationError(TypeManualIntervention, err)
	}
	if len(types) > 0 && !ev.FailureInfo.HasAnyType(types) {
		return nil, nil
	}
	timeout, err := timeoutParam(ev.Parameters)
	if err != nil {
		return nil, validationError(TypeManualIntervention, err)
	}
	return &schema.InterventionWaitAdvise{Timeout: timeout}, nil
}

func (a *manualInterventionAdviser) ValidateParams(params map[string]any) error {
	if _, err := failureTypesParam(params); err != nil {
		return validationError(TypeManualIntervention, err)
	}
	if _, err := timeoutParam(params); err != nil {
		return validationError(TypeManualIntervention, err)
	}
	return nil
}

// abortAdviser routes aborted nodes to nextNodeId, or ends the flow.
type abortAdviser struct{}

func (a *abortAdviser) Type() string { return TypeAbort }

func (a *abortAdviser) OnAdviseEvent(_ context.Context, ev Event) (schema.Advise, error) {
	if ev.Status != schema.StatusAborted {
		return nil, nil
	}
	if adv := nextStep(ev.Parameters); adv != nil {
		return adv, nil
	}
	return &schema.EndPlanAdvise{}, nil
}

func (a *abortAdviser) ValidateParams(map[string]any) error { return nil }
