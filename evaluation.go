package ldclient

import (
	"encoding/json"

	"github.com/launchdarkly/go-client-sdk/flagdata"
	"github.com/launchdarkly/go-client-sdk/internal/events"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldreason"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// Flag evaluation never fails: every getter returns the application-supplied default
// when the flag is missing, the client has not started, or the stored value has the
// wrong type, and the reason in the detail result says which of those happened. Every
// evaluation is counted for analytics, including ones that fell back to the default.

// BoolVariation returns the boolean value of a flag, or defaultValue.
func (c *Client) BoolVariation(key string, defaultValue bool) bool {
	detail, _ := c.variationDetail(key, ldvalue.Bool(defaultValue), false)
	if detail.Value.Type() != ldvalue.BoolType {
		return defaultValue
	}
	return detail.Value.BoolValue()
}

// BoolVariationDetail is BoolVariation plus the evaluation details.
func (c *Client) BoolVariationDetail(key string, defaultValue bool) (bool, ldreason.EvaluationDetail) {
	detail, _ := c.variationDetail(key, ldvalue.Bool(defaultValue), true)
	if detail.Value.Type() != ldvalue.BoolType {
		return defaultValue, detail
	}
	return detail.Value.BoolValue(), detail
}

// IntVariation returns the integer value of a flag, or defaultValue. A non-integral
// numeric flag value is truncated.
func (c *Client) IntVariation(key string, defaultValue int) int {
	detail, _ := c.variationDetail(key, ldvalue.Int(defaultValue), false)
	if detail.Value.Type() != ldvalue.NumberType {
		return defaultValue
	}
	return detail.Value.IntValue()
}

// IntVariationDetail is IntVariation plus the evaluation details.
func (c *Client) IntVariationDetail(key string, defaultValue int) (int, ldreason.EvaluationDetail) {
	detail, _ := c.variationDetail(key, ldvalue.Int(defaultValue), true)
	if detail.Value.Type() != ldvalue.NumberType {
		return defaultValue, detail
	}
	return detail.Value.IntValue(), detail
}

// Float64Variation returns the numeric value of a flag, or defaultValue.
func (c *Client) Float64Variation(key string, defaultValue float64) float64 {
	detail, _ := c.variationDetail(key, ldvalue.Float64(defaultValue), false)
	if detail.Value.Type() != ldvalue.NumberType {
		return defaultValue
	}
	return detail.Value.Float64Value()
}

// Float64VariationDetail is Float64Variation plus the evaluation details.
func (c *Client) Float64VariationDetail(key string, defaultValue float64) (float64, ldreason.EvaluationDetail) {
	detail, _ := c.variationDetail(key, ldvalue.Float64(defaultValue), true)
	if detail.Value.Type() != ldvalue.NumberType {
		return defaultValue, detail
	}
	return detail.Value.Float64Value(), detail
}

// StringVariation returns the string value of a flag, or defaultValue.
func (c *Client) StringVariation(key string, defaultValue string) string {
	detail, _ := c.variationDetail(key, ldvalue.String(defaultValue), false)
	if detail.Value.Type() != ldvalue.StringType {
		return defaultValue
	}
	return detail.Value.StringValue()
}

// StringVariationDetail is StringVariation plus the evaluation details.
func (c *Client) StringVariationDetail(key string, defaultValue string) (string, ldreason.EvaluationDetail) {
	detail, _ := c.variationDetail(key, ldvalue.String(defaultValue), true)
	if detail.Value.Type() != ldvalue.StringType {
		return defaultValue, detail
	}
	return detail.Value.StringValue(), detail
}

// JSONVariation returns the value of a flag of any JSON type, or defaultValue.
func (c *Client) JSONVariation(key string, defaultValue ldvalue.Value) ldvalue.Value {
	detail, _ := c.variationDetail(key, defaultValue, false)
	return detail.Value
}

// JSONVariationDetail is JSONVariation plus the evaluation details.
func (c *Client) JSONVariationDetail(key string, defaultValue ldvalue.Value) (ldvalue.Value, ldreason.EvaluationDetail) {
	detail, _ := c.variationDetail(key, defaultValue, true)
	return detail.Value, detail
}

// AllFlags returns the current value of every flag. No analytics events are recorded.
func (c *Client) AllFlags() map[string]ldvalue.Value {
	flags := c.store.All()
	ret := make(map[string]ldvalue.Value, len(flags))
	for key, flag := range flags {
		ret[key] = flag.Value
	}
	return ret
}

// variationDetail is the common evaluation path. includeReason additionally requests
// the evaluation reason in the analytics event, beyond what the configuration asks for.
func (c *Client) variationDetail(key string, defaultValue ldvalue.Value, includeReason bool) (ldreason.EvaluationDetail, *flagdata.FeatureFlag) {
	c.stateLock.RLock()
	started := c.started
	user := c.user
	reasonsConfigured := c.config.EvaluationReasons
	c.stateLock.RUnlock()

	params := events.FlagEvalParams{
		FlagKey:       key,
		Default:       defaultValue,
		User:          user,
		IncludeReason: includeReason || reasonsConfigured,
	}

	if !started {
		c.loggers.Warnf("flag %q was evaluated before the client started; returning the default value", key)
		params.Value = defaultValue
		c.events.RecordFlagEvaluation(params)
		return ldreason.NewEvaluationDetailForError(ldreason.EvalErrorClientNotReady, defaultValue), nil
	}

	flag, ok := c.store.Get(key)
	if !ok {
		c.loggers.Warnf("unknown flag %q; returning the default value", key)
		params.Value = defaultValue
		c.events.RecordFlagEvaluation(params)
		return ldreason.NewEvaluationDetailForError(ldreason.EvalErrorFlagNotFound, defaultValue), nil
	}

	value := flag.Value
	var variation ldvalue.OptionalInt
	if value.IsNull() {
		value = defaultValue
	} else if flag.Variation != nil {
		variation = ldvalue.NewOptionalInt(*flag.Variation)
	}

	params.Flag = &flag
	params.Value = value
	c.events.RecordFlagEvaluation(params)

	return ldreason.EvaluationDetail{
		Value:          value,
		VariationIndex: variation,
		Reason:         reasonFromValue(flag.Reason),
	}, &flag
}

// reasonFromValue converts the raw reason JSON carried on a flag into a structured
// evaluation reason. Flags served without reason data yield the zero reason.
func reasonFromValue(value ldvalue.Value) ldreason.EvaluationReason {
	var reason ldreason.EvaluationReason
	if value.IsNull() {
		return reason
	}
	if err := json.Unmarshal([]byte(value.JSONString()), &reason); err != nil {
		return ldreason.EvaluationReason{}
	}
	return reason
}
