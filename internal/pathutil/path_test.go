package pathutil

import "testing"

func sample() map[string]interface{} {
	return map[string]interface{}{
		"job": map[string]interface{}{
			"status": "scheduled",
			"crew": map[string]interface{}{
				"members": []interface{}{
					map[string]interface{}{"email": "lead@example.com"},
					map[string]interface{}{"email": "tech@example.com"},
				},
			},
		},
		"computed": map[string]interface{}{
			"materialAvailable": 8.0,
		},
	}
}

func TestGet(t *testing.T) {
	root := sample()

	tests := []struct {
		path string
		want interface{}
		ok   bool
	}{
		{"job.status", "scheduled", true},
		{"computed.materialAvailable", 8.0, true},
		{"job.crew.members.1.email", "tech@example.com", true},
		{"job.crew.members.2.email", nil, false},
		{"job.crew.members.-1.email", nil, false},
		{"job.missing", nil, false},
		{"job.status.deeper", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		got, ok := Get(root, tt.path)
		if ok != tt.ok {
			t.Errorf("Get(%q) ok = %v, want %v", tt.path, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("Get(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestGetNilRoot(t *testing.T) {
	if _, ok := Get(nil, "a.b"); ok {
		t.Error("expected miss on nil root")
	}
}

func TestSet(t *testing.T) {
	root := map[string]interface{}{}
	if !Set(root, "a.b.c", 42) {
		t.Fatal("Set failed")
	}
	got, ok := Get(root, "a.b.c")
	if !ok || got != 42 {
		t.Fatalf("Get after Set = %v, %v", got, ok)
	}

	// overwriting a scalar intermediate replaces it with a map
	if !Set(root, "a.b.c.d", "x") {
		t.Fatal("Set over scalar failed")
	}
	if got, ok := Get(root, "a.b.c.d"); !ok || got != "x" {
		t.Fatalf("Get after overwrite = %v, %v", got, ok)
	}
}

func TestSetNil(t *testing.T) {
	if Set(nil, "a", 1) {
		t.Error("Set on nil root should fail")
	}
}
