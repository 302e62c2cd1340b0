package adviser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/orchestra/pkg/schema"
)

// TypeRetry retries failed or expired nodes with per-attempt wait
// intervals, then applies a repair action once attempts are exhausted.
const TypeRetry = "RETRY"

type retryAdviser struct{}

func (a *retryAdviser) Type() string { return TypeRetry }

// RetryWait returns the wait before retry attempt retryCount. The last
// interval is reused once the list is exhausted; an empty list waits zero.
func RetryWait(intervals []time.Duration, retryCount int) time.Duration {
	if len(intervals) == 0 {
		return 0
	}
	if retryCount >= len(intervals) {
		retryCount = len(intervals) - 1
	}
	if retryCount < 0 {
		retryCount = 0
	}
	return intervals[retryCount]
}

func (a *retryAdviser) OnAdviseEvent(ctx context.Context, ev Event) (schema.Advise, error) {
	if !schema.RetryableStatuses().Contains(ev.Status) {
		return nil, nil
	}
	types, err := failureTypesParam(ev.Parameters)
	if err != nil {
		return nil, validationError(TypeRetry, err)
	}
	if len(types) > 0 && !ev.FailureInfo.HasAnyType(types) {
		return nil, nil
	}

	maxRetries, _, err := intParam(ev.Parameters, ParamMaxRetries)
	if err != nil {
		return nil, validationError(TypeRetry, err)
	}
	if ev.RetryCount < maxRetries {
		intervals, err := durationsParam(ev.Parameters, ParamWaitIntervals)
		if err != nil {
			return nil, validationError(TypeRetry, err)
		}
		return &schema.RetryAdvise{
			RetryNodeExecutionID: ev.NodeExecutionID,
			WaitInterval:         RetryWait(intervals, ev.RetryCount),
			Parameters:           ev.Parameters,
		}, nil
	}
	return repair(ctx, ev)
}

// repair applies the configured action once retries are exhausted.
func repair(_ context.Context, ev Event) (schema.Advise, error) {
	action := schema.RepairAction(stringParam(ev.Parameters, ParamRepairAction))
	switch action {
	case "", schema.RepairEndExecution:
		return &schema.EndPlanAdvise{}, nil
	case schema.RepairManualIntervention:
		timeout, err := timeoutParam(ev.Parameters)
		if err != nil {
			return nil, validationError(TypeRetry, err)
		}
		return &schema.InterventionWaitAdvise{Timeout: timeout}, nil
	case schema.RepairIgnore:
		next := stringParam(ev.Parameters, schema.ParamNextNodeID)
		if next == "" {
			return nil, nil
		}
		return &schema.NextStepAdvise{NextNodeID: next}, nil
	case schema.RepairOnFail:
		if _, ok := ev.Parameters[ParamStrategyToNodeID]; ok {
			return ResolveRollback(ev)
		}
		return nil, nil
	default:
		return nil, validationError(TypeRetry, fmt.Errorf("unknown repair action %q", action))
	}
}

func (a *retryAdviser) ValidateParams(params map[string]any) error {
	n, ok, err := intParam(params, ParamMaxRetries)
	if err != nil {
		return validationError(TypeRetry, err)
	}
	if !ok {
		return validationError(TypeRetry, errors.New("maxRetries is required"))
	}
	if n < 0 {
		return validationError(TypeRetry, errors.New("maxRetries must not be negative"))
	}
	if _, err := durationsParam(params, ParamWaitIntervals); err != nil {
		return validationError(TypeRetry, err)
	}
	if _, err := failureTypesParam(params); err != nil {
		return validationError(TypeRetry, err)
	}
	if _, err := strategyMapParam(params); err != nil {
		return validationError(TypeRetry, err)
	}
	switch action := schema.RepairAction(stringParam(params, ParamRepairAction)); action {
	case "", schema.RepairEndExecution, schema.RepairIgnore, schema.RepairOnFail:
	case schema.RepairManualIntervention:
		if _, err := timeoutParam(params); err != nil {
			return validationError(TypeRetry, err)
		}
	default:
		return validationError(TypeRetry, fmt.Errorf("unknown repair action %q", action))
	}
	return nil
}
