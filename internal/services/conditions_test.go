package services

import (
	"encoding/json"
	"testing"
	"time"
)

func parseNodes(t *testing.T, raw string) []ConditionNode {
	t.Helper()
	var nodes []ConditionNode
	if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
		t.Fatalf("parse conditions: %v", err)
	}
	return nodes
}

func testContext(data map[string]interface{}) *EvaluationContext {
	return &EvaluationContext{
		Data:                data,
		Now:                 time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		Timezone:            "UTC",
		WorkdayStartMinutes: 480,
		WorkdayEndMinutes:   1020,
		AutomationsEnabled:  true,
	}
}

func TestEvaluateConditions_EmptyListPasses(t *testing.T) {
	res := EvaluateConditions(nil, testContext(map[string]interface{}{}))
	if !res.Pass {
		t.Fatal("empty condition list should pass")
	}
}

func TestCompare_NumericBoundaries(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"computed": map[string]interface{}{"materialAvailable": float64(0)},
	})

	// gte 0 比较零值可用库存
	nodes := parseNodes(t, `[{"compare": {"op": "gte", "left": {"ref": "computed.materialAvailable"}, "right": 0}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatalf("gte 0 on available=0 should pass, trace: %+v", res.Trace)
	}

	nodes = parseNodes(t, `[{"compare": {"op": "lt", "left": {"ref": "computed.materialAvailable"}, "right": 0}}]`)
	if res := EvaluateConditions(nodes, ec); res.Pass {
		t.Fatal("lt 0 on available=0 should fail")
	}
}

func TestCompare_LooseEquality(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"job": map[string]interface{}{"priority": "urgent", "crew_size": float64(3)},
	})

	// 数字字符串按数值比较
	nodes := parseNodes(t, `[{"compare": {"op": "eq", "left": {"ref": "job.crew_size"}, "right": "3"}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("numeric string should compare numerically")
	}

	nodes = parseNodes(t, `[{"compare": {"op": "neq", "left": {"ref": "job.priority"}, "right": "normal"}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("neq should pass for differing strings")
	}
}

func TestCompare_ExistsOnMissingPath(t *testing.T) {
	ec := testContext(map[string]interface{}{})
	nodes := parseNodes(t, `[{"compare": {"op": "exists", "left": {"ref": "job.completed_at"}}}]`)
	res := EvaluateConditions(nodes, ec)
	if res.Pass {
		t.Fatal("exists on a missing path should fail, not error")
	}
	if len(res.Trace) != 1 || res.Trace[0].Op != "exists" {
		t.Fatalf("expected one exists trace entry, got %+v", res.Trace)
	}
}

func TestCompare_InAndContains(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"job": map[string]interface{}{
			"status": "scheduled",
			"tags":   []interface{}{"roofing", "emergency"},
		},
	})

	nodes := parseNodes(t, `[{"compare": {"op": "in", "left": {"ref": "job.status"}, "right": ["scheduled", "in_progress"]}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("in should match membership")
	}

	nodes = parseNodes(t, `[{"compare": {"op": "contains", "left": {"ref": "job.tags"}, "right": "emergency"}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("contains should find array element")
	}

	// 右侧不是数组时 fail closed
	nodes = parseNodes(t, `[{"compare": {"op": "in", "left": {"ref": "job.status"}, "right": "scheduled"}}]`)
	if res := EvaluateConditions(nodes, ec); res.Pass {
		t.Fatal("in with non-array right side should fail")
	}
}

func TestBooleanComposition(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"job": map[string]interface{}{"status": "scheduled", "priority": "low"},
	})

	nodes := parseNodes(t, `[{
		"any": [
			{"compare": {"op": "eq", "left": {"ref": "job.priority"}, "right": "urgent"}},
			{"not": {"compare": {"op": "eq", "left": {"ref": "job.status"}, "right": "cancelled"}}}
		]
	}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("any with one passing branch should pass")
	}

	nodes = parseNodes(t, `[{
		"all": [
			{"compare": {"op": "eq", "left": {"ref": "job.status"}, "right": "scheduled"}},
			{"compare": {"op": "eq", "left": {"ref": "job.priority"}, "right": "urgent"}}
		]
	}]`)
	if res := EvaluateConditions(nodes, ec); res.Pass {
		t.Fatal("all with one failing branch should fail")
	}
}

func TestUnsupportedNodesFailClosed(t *testing.T) {
	ec := testContext(map[string]interface{}{})

	// 未知比较操作符
	nodes := parseNodes(t, `[{"compare": {"op": "regex_match", "left": {"ref": "job.title"}, "right": ".*"}}]`)
	res := EvaluateConditions(nodes, ec)
	if res.Pass {
		t.Fatal("unknown op should fail closed")
	}
	if len(res.Trace) == 0 || res.Trace[0].Node != "unsupported_condition" {
		t.Fatalf("expected unsupported_condition trace, got %+v", res.Trace)
	}

	// 空节点
	nodes = parseNodes(t, `[{}]`)
	res = EvaluateConditions(nodes, ec)
	if res.Pass {
		t.Fatal("empty node should fail closed")
	}
	if res.Trace[0].Node != "unsupported_condition" {
		t.Fatalf("expected unsupported_condition trace, got %+v", res.Trace)
	}
}

func TestTime_WithinHours(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	ec := testContext(map[string]interface{}{
		"job": map[string]interface{}{
			"recent": now.Add(-59 * time.Minute).Format(time.RFC3339),
			"stale":  now.Add(-61 * time.Minute).Format(time.RFC3339),
		},
	})
	ec.Now = now

	nodes := parseNodes(t, `[{"time": {"op": "within_hours", "ref": "job.recent", "value": 1}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("59 minutes ago should be within 1 hour")
	}

	nodes = parseNodes(t, `[{"time": {"op": "within_hours", "ref": "job.stale", "value": 1}}]`)
	if res := EvaluateConditions(nodes, ec); res.Pass {
		t.Fatal("61 minutes ago should not be within 1 hour")
	}
}

func TestTime_OutsideBusinessHours(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"event": map[string]interface{}{
			"early":  "2025-06-02T06:30:00Z",
			"midday": "2025-06-02T12:00:00Z",
			"late":   "2025-06-02T17:00:00Z",
		},
	})

	nodes := parseNodes(t, `[{"time": {"op": "outside_business_hours", "ref": "event.early"}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("06:30 should be outside an 08:00-17:00 workday")
	}

	nodes = parseNodes(t, `[{"time": {"op": "outside_business_hours", "ref": "event.midday"}}]`)
	if res := EvaluateConditions(nodes, ec); res.Pass {
		t.Fatal("12:00 should be inside the workday")
	}

	// 工作日结束时刻是排他的
	nodes = parseNodes(t, `[{"time": {"op": "outside_business_hours", "ref": "event.late"}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("17:00 should already be outside the workday")
	}
}

func TestTime_BeforeAfter(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"job": map[string]interface{}{"scheduled_start": "2025-06-03T09:00:00Z"},
	})

	nodes := parseNodes(t, `[{"time": {"op": "before", "ref": "job.scheduled_start", "value": "2025-06-04T00:00:00Z"}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("before should pass")
	}

	nodes = parseNodes(t, `[{"time": {"op": "after", "ref": "job.scheduled_start", "value": "2025-06-04T00:00:00Z"}}]`)
	if res := EvaluateConditions(nodes, ec); res.Pass {
		t.Fatal("after should fail")
	}
}

func TestOperand_BareLiteral(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"material": map[string]interface{}{"unit": "m"},
	})
	// 裸字面量与 {"value": ...} 等价
	nodes := parseNodes(t, `[{"compare": {"op": "eq", "left": {"ref": "material.unit"}, "right": {"value": "m"}}}]`)
	if res := EvaluateConditions(nodes, ec); !res.Pass {
		t.Fatal("explicit value operand should match")
	}
}
