package adviser

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/pkg/schema"
)

// Parameter keys understood by the built-in advisers.
const (
	ParamMaxRetries       = "maxRetries"
	ParamWaitIntervals    = "waitIntervals"
	ParamFailureTypes     = "failureTypes"
	ParamRepairAction     = "repairActionCodeAfterRetry"
	ParamTimeout          = "timeout"
	ParamStrategyToNodeID = "strategyToNodeId"
	ParamRollbackStrategy = "rollbackStrategy"
)

func intParam(params map[string]any, key string) (int, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return int(t), true, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return int(n), true, nil
	default:
		return 0, true, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
}

func durationsParam(params map[string]any, key string) ([]time.Duration, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var list []any
	switch t := raw.(type) {
	case []any:
		list = t
	case []string:
		for _, s := range t {
			list = append(list, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a list", key)
	}
	out := make([]time.Duration, 0, len(list))
	for i, v := range list {
		d, err := steps.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s[%d] is negative", key, i)
		}
		out = append(out, d)
	}
	return out, nil
}

func failureTypesParam(params map[string]any) ([]schema.FailureType, error) {
	list, err := steps.StringList(params[ParamFailureTypes])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ParamFailureTypes, err)
	}
	out := make([]schema.FailureType, len(list))
	for i, s := range list {
		out[i] = schema.FailureType(s)
	}
	return out, nil
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func strategyMapParam(params map[string]any) (map[schema.RollbackStrategy]string, error) {
	raw, ok := params[ParamStrategyToNodeID]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a map", ParamStrategyToNodeID)
	}
	out := make(map[schema.RollbackStrategy]string, len(m))
	for k, v := range m {
		s := schema.RollbackStrategy(k)
		switch s {
		case schema.RollbackStep, schema.RollbackStage, schema.RollbackPipeline:
		default:
			return nil, fmt.Errorf("unknown rollback strategy %q", k)
		}
		id, ok := v.(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("%s.%s must be a node id", ParamStrategyToNodeID, k)
		}
		out[s] = id
	}
	return out, nil
}

func timeoutParam(params map[string]any) (time.Duration, error) {
	d, err := steps.ParseDuration(params[ParamTimeout])
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		d = schema.DefaultInterventionTimeout
	}
	return d, nil
}

func validationError(adviserType string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s adviser: %v", adviserType, err)
}
