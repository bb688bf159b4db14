package ldclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldreason"
	"gopkg.in/launchdarkly/go-sdk-common.v2/lduser"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const evalFlagsJSON = `{
	"bool-flag": {"value": true, "variation": 1, "version": 100},
	"int-flag": {"value": 42, "variation": 0, "version": 100},
	"float-flag": {"value": 2.5, "variation": 0, "version": 100},
	"string-flag": {"value": "green", "variation": 2, "version": 100},
	"json-flag": {"value": {"a": 1}, "variation": 0, "version": 100},
	"null-flag": {"value": null, "variation": 0, "version": 100},
	"reason-flag": {"value": true, "variation": 1, "version": 100,
		"reason": {"kind": "RULE_MATCH", "ruleIndex": 0, "ruleId": "rule-1"}}
}`

func withEvaluationFlags(t *testing.T, action func(clientTestParams)) {
	withClient(t, nil, func(p clientTestParams) {
		goOnlineWithFlagsJSON(t, p, evalFlagsJSON)
		action(p)
	})
}

func goOnlineWithFlagsJSON(t *testing.T, p clientTestParams, flagsJSON string) {
	t.Helper()
	done := make(chan struct{})
	p.client.SetOnline(true, func() { close(done) })
	handler := requireStreamHandler(t, p)
	handler.OnStreamEvent("put", []byte(flagsJSON))
	<-done
}

func TestTypedVariationsReturnFlagValues(t *testing.T) {
	withEvaluationFlags(t, func(p clientTestParams) {
		assert.True(t, p.client.BoolVariation("bool-flag", false))
		assert.Equal(t, 42, p.client.IntVariation("int-flag", -1))
		assert.Equal(t, 2.5, p.client.Float64Variation("float-flag", -1))
		assert.Equal(t, "green", p.client.StringVariation("string-flag", "red"))
		assert.Equal(t, ldvalue.ObjectBuild().Set("a", ldvalue.Int(1)).Build(),
			p.client.JSONVariation("json-flag", ldvalue.Null()))
	})
}

func TestTypedVariationsReturnDefaultForUnknownFlag(t *testing.T) {
	withEvaluationFlags(t, func(p clientTestParams) {
		assert.False(t, p.client.BoolVariation("no-such-flag", false))
		assert.Equal(t, -1, p.client.IntVariation("no-such-flag", -1))
		assert.Equal(t, "red", p.client.StringVariation("no-such-flag", "red"))

		_, detail := p.client.BoolVariationDetail("no-such-flag", false)
		assert.Equal(t, ldreason.EvalReasonError, detail.Reason.GetKind())
		assert.Equal(t, ldreason.EvalErrorFlagNotFound, detail.Reason.GetErrorKind())
	})
}

func TestTypedVariationsReturnDefaultOnTypeMismatch(t *testing.T) {
	withEvaluationFlags(t, func(p clientTestParams) {
		assert.Equal(t, -1, p.client.IntVariation("bool-flag", -1))
		assert.Equal(t, "red", p.client.StringVariation("bool-flag", "red"))
		assert.False(t, p.client.BoolVariation("string-flag", false))
	})
}

func TestNullFlagValueFallsBackToDefault(t *testing.T) {
	withEvaluationFlags(t, func(p clientTestParams) {
		assert.Equal(t, "fallback", p.client.StringVariation("null-flag", "fallback"))
		_, detail := p.client.StringVariationDetail("null-flag", "fallback")
		assert.False(t, detail.VariationIndex.IsDefined())
	})
}

func TestVariationDetailIncludesVariationAndReason(t *testing.T) {
	withEvaluationFlags(t, func(p clientTestParams) {
		value, detail := p.client.BoolVariationDetail("reason-flag", false)
		assert.True(t, value)
		assert.Equal(t, ldvalue.NewOptionalInt(1), detail.VariationIndex)
		assert.Equal(t, ldreason.EvalReasonRuleMatch, detail.Reason.GetKind())
		assert.Equal(t, "rule-1", detail.Reason.GetRuleID())
	})
}

func TestEvaluationBeforeStartReturnsDefault(t *testing.T) {
	services := newTestServices()
	config := validConfig()
	client := newClient(PrimaryEnvironmentName, config.MobileKey, config, lduser.NewUser("user-key"), services)
	defer client.Close()

	value, detail := client.BoolVariationDetail("bool-flag", false)
	assert.False(t, value)
	assert.Equal(t, ldreason.EvalReasonError, detail.Reason.GetKind())
	assert.Equal(t, ldreason.EvalErrorClientNotReady, detail.Reason.GetErrorKind())
}

func TestAllFlagsReturnsEveryValue(t *testing.T) {
	withEvaluationFlags(t, func(p clientTestParams) {
		all := p.client.AllFlags()
		assert.Len(t, all, 7)
		assert.Equal(t, ldvalue.Bool(true), all["bool-flag"])
		assert.Equal(t, ldvalue.String("green"), all["string-flag"])
	})
}

func TestEvaluationsProduceSummaryEvents(t *testing.T) {
	withEvaluationFlags(t, func(p clientTestParams) {
		p.client.BoolVariation("bool-flag", false)
		p.client.BoolVariation("bool-flag", false)
		p.client.BoolVariation("no-such-flag", false)

		p.client.Flush()
		select {
		case data := <-p.services.sender.payloads:
			var events []map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &events))
			var summary map[string]interface{}
			for _, event := range events {
				if event["kind"] == "summary" {
					summary = event
				}
			}
			require.NotNil(t, summary, "expected a summary event in the payload")
			features := summary["features"].(map[string]interface{})
			assert.Contains(t, features, "bool-flag")
			assert.Contains(t, features, "no-such-flag")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for an event flush")
		}
	})
}
