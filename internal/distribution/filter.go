package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
)

const wildcard = "*"

// FilterEvaluator decides which subscriptions match a message payload.
// It is safe for concurrent use.
type FilterEvaluator struct {
	patterns *patternCache
}

// NewFilterEvaluator creates an evaluator caching up to cacheSize compiled patterns.
func NewFilterEvaluator(cacheSize int) *FilterEvaluator {
	return &FilterEvaluator{patterns: newPatternCache(cacheSize)}
}

// FlatPayload is a payload flattened to dot paths, with its keys sorted.
type FlatPayload struct {
	Values map[string]any
	Keys   []string
}

// NewFlatPayload flattens payload and sorts its keys.
func NewFlatPayload(payload any) FlatPayload {
	values := Flatten(payload)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return FlatPayload{Values: values, Keys: keys}
}

// FilterSubscriptions returns the subscriptions whose filters accept payload,
// in input order. A nil payload accepts every subscription. Subscriptions whose
// filters cannot be evaluated are skipped with a warning.
func (e *FilterEvaluator) FilterSubscriptions(ctx context.Context, subs []domain.Subscription, payload any) []domain.Subscription {
	if payload == nil {
		return subs
	}

	flat := NewFlatPayload(payload)
	matched := make([]domain.Subscription, 0, len(subs))

	for _, sub := range subs {
		ok, err := e.Matches(sub, flat)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("skipping subscription with invalid filter",
				"subscription_id", sub.ID,
				"subscriber_id", sub.SubscriberID,
				"error", err,
			)
			recordFilterError(KindOf(err))
			continue
		}
		if ok {
			matched = append(matched, sub)
		}
	}

	return matched
}

// Matches folds the subscription's filters over the payload left to right.
// AND requires every filter to hold, OR requires one, NOT requires none.
func (e *FilterEvaluator) Matches(sub domain.Subscription, flat FlatPayload) (bool, error) {
	if len(sub.Filters) == 0 {
		return true, nil
	}

	join := sub.FilterJoin
	if join == "" {
		join = domain.FilterJoinAnd
	}
	if !join.IsValid() {
		return false, fmt.Errorf("%w: unknown filter join %q", ErrValidation, join)
	}

	result := join != domain.FilterJoinOr
	for _, f := range sub.Filters {
		ok, err := e.evaluate(f, flat)
		if err != nil {
			return false, fmt.Errorf("filter %q: %w", f.Field, err)
		}

		switch join {
		case domain.FilterJoinAnd:
			result = result && ok
		case domain.FilterJoinOr:
			result = result || ok
		case domain.FilterJoinNot:
			result = result && !ok
		}
	}

	return result, nil
}

func (e *FilterEvaluator) evaluate(f domain.SubscriptionFilter, flat FlatPayload) (bool, error) {
	if !strings.Contains(f.Field, wildcard) {
		return e.compare(f.Operator, flat.Values[f.Field], f.Query.Value)
	}

	matcher, err := e.patterns.compile("field:"+f.Field, wildcardPattern(f.Field))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	for _, key := range flat.Keys {
		if !matcher.MatchString(key) {
			continue
		}
		ok, err := e.compare(f.Operator, flat.Values[key], f.Query.Value)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *FilterEvaluator) compare(op domain.FilterOperator, observed, query any) (bool, error) {
	switch op {
	case domain.OperatorEquals:
		return strictEqual(observed, query), nil

	case domain.OperatorNotEquals:
		return !strictEqual(observed, query), nil

	case domain.OperatorOr:
		options, ok := asSlice(query)
		if !ok {
			return false, fmt.Errorf("%w: OR expects an array query, got %T", ErrTypeMismatch, query)
		}
		for _, option := range options {
			if strictEqual(observed, option) {
				return true, nil
			}
		}
		return false, nil

	case domain.OperatorMatches:
		expr, ok := query.(string)
		if !ok {
			return false, fmt.Errorf("%w: MATCHES expects a string query, got %T", ErrTypeMismatch, query)
		}
		value, ok := observed.(string)
		if !ok {
			return false, fmt.Errorf("%w: MATCHES expects a string value, got %T", ErrTypeMismatch, observed)
		}
		re, err := e.patterns.compile("re:"+expr, expr)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return re.MatchString(value), nil

	default:
		return false, fmt.Errorf("%w: unknown filter operator %q", ErrValidation, op)
	}
}

// wildcardPattern builds an anchored expression in which every "*" segment
// matches one array index.
func wildcardPattern(field string) string {
	segments := strings.Split(field, ".")
	for i, s := range segments {
		if s == wildcard {
			segments[i] = `\d+`
		} else {
			segments[i] = regexp.QuoteMeta(s)
		}
	}
	return "^" + strings.Join(segments, `\.`) + "$"
}

// Flatten maps every leaf of payload to its dot path. Array elements use their
// index as the path segment. Empty objects and arrays produce no entries.
func Flatten(payload any) map[string]any {
	flat := make(map[string]any)
	if !isContainer(payload) {
		return flat
	}
	flattenInto(flat, "", payload)
	return flat
}

func flattenInto(flat map[string]any, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			flattenInto(flat, join(prefix, k), child)
		}
		return
	case []any:
		for i, child := range v {
			flattenInto(flat, join(prefix, strconv.Itoa(i)), child)
		}
		return
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			iter := rv.MapRange()
			for iter.Next() {
				flattenInto(flat, join(prefix, iter.Key().String()), iter.Value().Interface())
			}
			return
		}
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		for i := 0; i < rv.Len(); i++ {
			flattenInto(flat, join(prefix, strconv.Itoa(i)), rv.Index(i).Interface())
		}
		return
	}

	flat[prefix] = value
}

func isContainer(value any) bool {
	switch value.(type) {
	case map[string]any, []any:
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		return rv.Type().Key().Kind() == reflect.String
	case reflect.Slice:
		return rv.Type().Elem().Kind() != reflect.Uint8
	case reflect.Array:
		return true
	}
	return false
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// strictEqual compares decoded JSON values. Numbers compare by value whatever
// their Go type, integers exactly; everything else must match in type and value.
func strictEqual(a, b any) bool {
	if ai, ok := toInteger(a); ok {
		if bi, ok := toInteger(b); ok {
			return ai == bi
		}
	}
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// integer is a sign and magnitude covering every Go integer type without loss.
type integer struct {
	negative  bool
	magnitude uint64
}

func toInteger(v any) (integer, bool) {
	if v == nil {
		return integer{}, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			// uint64(-i) is also correct for math.MinInt64.
			return integer{negative: true, magnitude: uint64(-i)}, true
		}
		return integer{magnitude: uint64(i)}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return integer{magnitude: rv.Uint()}, true
	}
	return integer{}, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if v == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
