package expr

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupEvaluator(values map[string]interface{}) Evaluator {
	return EvaluatorFunc(func(_ context.Context, expression string, _ interface{}) (interface{}, error) {
		v, ok := values[expression]
		if !ok {
			return nil, errors.New("unknown expression: " + expression)
		}
		return v, nil
	})
}

func TestHasTemplate(t *testing.T) {
	assert.True(t, HasTemplate("{{ $.a }}"))
	assert.True(t, HasTemplate("hello {{$.name}}!"))
	assert.False(t, HasTemplate("plain"))
	assert.False(t, HasTemplate("{ not one }"))
	assert.Equal(t, []string{"$.a", "$.b"}, Expressions("{{ $.a }} and {{$.b}}"))
}

func TestInterpolateString(t *testing.T) {
	ev := lookupEvaluator(map[string]interface{}{
		"$.method": "POST",
		"$.count":  float64(3),
		"$.obj":    map[string]interface{}{"a": float64(1)},
		"$.name":   "Ada",
		"$.none":   nil,
	})
	ctx := context.Background()

	tests := []struct {
		name string
		in   string
		want interface{}
	}{
		{"no template", "GET", "GET"},
		{"single block string", "{{ $.method }}", "POST"},
		{"single block number stays native", "{{ $.count }}", float64(3)},
		{"single block object becomes json", "{{ $.obj }}", `{"a":1}`},
		{"mixed text", "Hi {{ $.name }}, you have {{ $.count }} items", "Hi Ada, you have 3 items"},
		{"nil in mixed text", "x{{ $.none }}y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InterpolateString(ctx, ev, tt.in, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := InterpolateString(ctx, ev, "{{ $.missing }}", nil)
	assert.Error(t, err)
}

func TestInterpolateJSON_EscapesResults(t *testing.T) {
	ev := lookupEvaluator(map[string]interface{}{
		`$.title = "x"`: true,
		"$.quote":       `say "hi"`,
	})
	doc := map[string]interface{}{
		"flag":  `{{ $.title = "x" }}`,
		"quote": "{{ $.quote }}",
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	out, err := InterpolateJSON(context.Background(), ev, string(raw), nil)
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	assert.Equal(t, "true", parsed["flag"])
	assert.Equal(t, `say "hi"`, parsed["quote"])
}

func TestTruthy(t *testing.T) {
	falsy := []interface{}{nil, false, "", float64(0), 0, math.NaN(), []interface{}{}, []string{}}
	for _, v := range falsy {
		assert.False(t, Truthy(v), "expected %#v to be falsy", v)
	}
	truthy := []interface{}{true, "x", float64(2), -1, []interface{}{false}, map[string]interface{}{}}
	for _, v := range truthy {
		assert.True(t, Truthy(v), "expected %#v to be truthy", v)
	}
}

func TestJSONataEvaluator(t *testing.T) {
	ev := NewJSONataEvaluator()
	data := map[string]interface{}{
		"pub": map[string]interface{}{
			"values": map[string]interface{}{"status": "approved", "count": float64(4)},
		},
	}
	ctx := context.Background()

	v, err := ev.Evaluate(ctx, `pub.values.status = "approved"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ev.Evaluate(ctx, "pub.values.count + 1", data)
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	v, err = ev.Evaluate(ctx, "pub.values.missing", data)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = ev.Evaluate(ctx, "pub.values.(", data)
	assert.Error(t, err)
}
