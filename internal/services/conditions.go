package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConditionNode is a tagged union: exactly one of the fields should be
// set. A node with none (or several) set evaluates to false and is
// traced as unsupported_condition.
type ConditionNode struct {
	All     []ConditionNode   `json:"all,omitempty"`
	Any     []ConditionNode   `json:"any,omitempty"`
	Not     *ConditionNode    `json:"not,omitempty"`
	Compare *CompareCondition `json:"compare,omitempty"`
	Time    *TimeCondition    `json:"time,omitempty"`
}

// CompareCondition applies Op to two operands resolved against the
// evaluation context.
type CompareCondition struct {
	Left  Operand `json:"left"`
	Op    string  `json:"op"` // eq, neq, gt, gte, lt, lte, in, contains, exists
	Right Operand `json:"right,omitempty"`
}

// TimeCondition supports relative time checks.
type TimeCondition struct {
	Op    string      `json:"op"` // within_hours, outside_business_hours, before, after
	Value interface{} `json:"value,omitempty"`
	Ref   string      `json:"ref,omitempty"`
}

// Operand is either a context reference ({"ref": "job.status"}), an
// explicit literal ({"value": 3}), or a bare JSON literal.
type Operand struct {
	Ref      string
	Value    interface{}
	hasValue bool
}

func (o *Operand) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		if raw, ok := obj["ref"]; ok {
			return json.Unmarshal(raw, &o.Ref)
		}
		if raw, ok := obj["value"]; ok {
			o.hasValue = true
			return json.Unmarshal(raw, &o.Value)
		}
	}
	// bare literal (number, string, bool, array, null)
	if err := json.Unmarshal(data, &o.Value); err != nil {
		return err
	}
	o.hasValue = true
	return nil
}

func (o Operand) MarshalJSON() ([]byte, error) {
	if o.Ref != "" {
		return json.Marshal(map[string]string{"ref": o.Ref})
	}
	return json.Marshal(map[string]interface{}{"value": o.Value})
}

// resolve returns the operand's value against the context. A ref that
// does not resolve yields (nil, false).
func (o Operand) resolve(ec *EvaluationContext) (interface{}, bool) {
	if o.Ref != "" {
		return ec.Lookup(o.Ref)
	}
	return o.Value, o.hasValue || o.Value != nil
}

// TraceEntry records one node's evaluation for diagnostics.
type TraceEntry struct {
	Node   string      `json:"node"`
	Op     string      `json:"op,omitempty"`
	Path   string      `json:"path,omitempty"`
	Left   interface{} `json:"left,omitempty"`
	Right  interface{} `json:"right,omitempty"`
	Result bool        `json:"result"`
	Note   string      `json:"note,omitempty"`
}

// EvalResult is the outcome of evaluating a condition list.
type EvalResult struct {
	Pass  bool         `json:"pass"`
	Trace []TraceEntry `json:"trace"`
}

// EvaluateConditions evaluates nodes (implicitly AND'd) against ec.
// An empty list passes. Malformed input never panics or errors; it
// degrades to false with an unsupported_condition trace entry.
func EvaluateConditions(nodes []ConditionNode, ec *EvaluationContext) EvalResult {
	res := EvalResult{Pass: true}
	for i := range nodes {
		ok := evalNode(&nodes[i], ec, &res.Trace)
		if !ok {
			res.Pass = false
		}
	}
	return res
}

func evalNode(n *ConditionNode, ec *EvaluationContext, trace *[]TraceEntry) bool {
	switch {
	case n == nil:
		*trace = append(*trace, TraceEntry{Node: "unsupported_condition", Note: "nil node"})
		return false
	case n.All != nil:
		pass := true
		for i := range n.All {
			if !evalNode(&n.All[i], ec, trace) {
				pass = false
			}
		}
		*trace = append(*trace, TraceEntry{Node: "all", Result: pass})
		return pass
	case n.Any != nil:
		pass := false
		for i := range n.Any {
			if evalNode(&n.Any[i], ec, trace) {
				pass = true
			}
		}
		*trace = append(*trace, TraceEntry{Node: "any", Result: pass})
		return pass
	case n.Not != nil:
		pass := !evalNode(n.Not, ec, trace)
		*trace = append(*trace, TraceEntry{Node: "not", Result: pass})
		return pass
	case n.Compare != nil:
		return evalCompare(n.Compare, ec, trace)
	case n.Time != nil:
		return evalTime(n.Time, ec, trace)
	default:
		*trace = append(*trace, TraceEntry{Node: "unsupported_condition", Note: "no recognized node type"})
		return false
	}
}

func evalCompare(c *CompareCondition, ec *EvaluationContext, trace *[]TraceEntry) bool {
	entry := TraceEntry{Node: "compare", Op: c.Op, Path: c.Left.Ref}
	left, leftOK := c.Left.resolve(ec)
	right, _ := c.Right.resolve(ec)
	entry.Left, entry.Right = left, right

	switch c.Op {
	case "exists":
		entry.Result = leftOK && left != nil
	case "eq":
		entry.Result = looseEqual(left, right)
	case "neq":
		entry.Result = !looseEqual(left, right)
	case "gt", "gte", "lt", "lte":
		ln, lok := toNumber(left)
		rn, rok := toNumber(right)
		if !lok || !rok {
			entry.Note = "non-numeric operand"
			entry.Result = false
			break
		}
		switch c.Op {
		case "gt":
			entry.Result = ln > rn
		case "gte":
			entry.Result = ln >= rn
		case "lt":
			entry.Result = ln < rn
		case "lte":
			entry.Result = ln <= rn
		}
	case "in":
		arr, ok := right.([]interface{})
		if !ok {
			entry.Note = "right side is not an array"
			entry.Result = false
			break
		}
		for _, item := range arr {
			if looseEqual(left, item) {
				entry.Result = true
				break
			}
		}
	case "contains":
		arr, ok := left.([]interface{})
		if !ok {
			entry.Note = "left side is not an array"
			entry.Result = false
			break
		}
		for _, item := range arr {
			if looseEqual(item, right) {
				entry.Result = true
				break
			}
		}
	default:
		entry.Node = "unsupported_condition"
		entry.Note = fmt.Sprintf("unknown compare op: %s", c.Op)
	}

	*trace = append(*trace, entry)
	return entry.Result
}

func evalTime(tc *TimeCondition, ec *EvaluationContext, trace *[]TraceEntry) bool {
	entry := TraceEntry{Node: "time", Op: tc.Op, Path: tc.Ref}
	now := ec.Now

	refVal, _ := Operand{Ref: tc.Ref}.resolve(ec)
	refTime, refOK := parseTime(refVal)
	entry.Left = refVal

	switch tc.Op {
	case "within_hours":
		hours, hok := toNumber(tc.Value)
		if !refOK || !hok {
			entry.Note = "unparseable reference time or hours"
			break
		}
		diff := now.Sub(refTime)
		if diff < 0 {
			diff = -diff
		}
		entry.Result = diff <= time.Duration(hours*float64(time.Hour))
	case "outside_business_hours":
		if !refOK {
			entry.Note = "unparseable reference time"
			break
		}
		loc := ec.Location()
		local := refTime.In(loc)
		minutes := local.Hour()*60 + local.Minute()
		entry.Result = minutes < ec.WorkdayStartMinutes || minutes >= ec.WorkdayEndMinutes
	case "before", "after":
		limit, lok := parseTime(tc.Value)
		entry.Right = tc.Value
		if !refOK || !lok {
			entry.Note = "unparseable timestamp"
			break
		}
		if tc.Op == "before" {
			entry.Result = refTime.Before(limit)
		} else {
			entry.Result = refTime.After(limit)
		}
	default:
		entry.Node = "unsupported_condition"
		entry.Note = fmt.Sprintf("unknown time op: %s", tc.Op)
	}

	*trace = append(*trace, entry)
	return entry.Result
}

// looseEqual compares numerically when both sides coerce to numbers,
// otherwise by string rendering. nil never equals a non-nil value.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// toNumber coerces numbers, numeric strings and times to a float64
// (times become unix milliseconds, matching the comparison semantics
// the condition language promises).
func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case time.Time:
		return float64(n.UnixMilli()), true
	case *time.Time:
		if n == nil {
			return 0, false
		}
		return float64(n.UnixMilli()), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// parseTime accepts time.Time values, RFC3339 strings and unix
// millisecond numbers. Anything else fails.
func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	default:
		return time.Time{}, false
	}
}
