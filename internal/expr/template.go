package expr

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)

// HasTemplate reports whether s contains at least one {{ expr }} block.
func HasTemplate(s string) bool {
	return templatePattern.MatchString(s)
}

// Expressions returns the trimmed expressions embedded in s, in order.
func Expressions(s string) []string {
	matches := templatePattern.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// InterpolateString resolves every {{ expr }} block in s.
//
// A string that is exactly one block keeps scalar results (numbers, booleans, nil)
// as native values and re-serializes objects and arrays as JSON text. Mixed text
// stringifies each block in place. A string without blocks is returned verbatim.
func InterpolateString(ctx context.Context, ev Evaluator, s string, data interface{}) (interface{}, error) {
	locs := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s, nil
	}

	if len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(s) {
		v, err := ev.Evaluate(ctx, strings.TrimSpace(s[locs[0][2]:locs[0][3]]), data)
		if err != nil {
			return nil, err
		}
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(raw), nil
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(s[last:loc[0]])
		v, err := ev.Evaluate(ctx, strings.TrimSpace(s[loc[2]:loc[3]]), data)
		if err != nil {
			return nil, err
		}
		text, err := Stringify(v)
		if err != nil {
			return nil, err
		}
		b.WriteString(text)
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// InterpolateJSON resolves {{ expr }} blocks found anywhere in a JSON document's
// text. Expressions are unescaped before evaluation and results are JSON escaped
// on the way back in, so the document stays parseable.
func InterpolateJSON(ctx context.Context, ev Evaluator, doc string, data interface{}) (string, error) {
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(doc, func(block string) string {
		if firstErr != nil {
			return block
		}
		inner := templatePattern.FindStringSubmatch(block)[1]
		var expression string
		if err := json.Unmarshal([]byte(`"`+inner+`"`), &expression); err != nil {
			firstErr = fmt.Errorf("unescape %q: %w", inner, err)
			return block
		}
		v, err := ev.Evaluate(ctx, strings.TrimSpace(expression), data)
		if err != nil {
			firstErr = err
			return block
		}
		text, err := Stringify(v)
		if err != nil {
			firstErr = err
			return block
		}
		quoted, err := json.Marshal(text)
		if err != nil {
			firstErr = err
			return block
		}
		return string(quoted[1 : len(quoted)-1])
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Stringify renders an evaluation result as template text: strings verbatim,
// nil as empty, everything else as JSON.
func Stringify(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
