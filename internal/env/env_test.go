package env

import "testing"

func TestMergePrecedence(t *testing.T) {
	e := New()
	e.Set("SHARED", "global")
	e.Set("ONLY_GLOBAL", "g")

	m := e.MergeMap(Vars{"SHARED": "service", "ONLY_SERVICE": "s"})
	if m["SHARED"] != "service" {
		t.Errorf("per-service must override global, got %q", m["SHARED"])
	}
	if m["ONLY_GLOBAL"] != "g" || m["ONLY_SERVICE"] != "s" {
		t.Errorf("unexpected merge: %v", m)
	}
}

func TestMergeExpandsReferences(t *testing.T) {
	e := New()
	e.Set("HOST", "db.local")
	m := e.MergeMap(Vars{"DSN": "postgres://${HOST}:5432"})
	if m["DSN"] != "postgres://db.local:5432" {
		t.Errorf("expansion failed: %q", m["DSN"])
	}
}

func TestFromOSBase(t *testing.T) {
	t.Setenv("STACKUP_TEST_BASE", "from-os")
	e := New()
	e.FromOS()
	m := e.MergeMap(nil)
	if m["STACKUP_TEST_BASE"] != "from-os" {
		t.Error("OS base not applied")
	}

	e.Set("STACKUP_TEST_BASE", "override")
	if e.MergeMap(nil)["STACKUP_TEST_BASE"] != "override" {
		t.Error("global must override OS base")
	}
}

func TestSetAllAndUnset(t *testing.T) {
	e := New()
	e.SetAll([]string{"A=1", "B=2", "broken"})
	m := e.MergeMap(nil)
	if m["A"] != "1" || m["B"] != "2" {
		t.Errorf("unexpected: %v", m)
	}
	if _, ok := m["broken"]; ok {
		t.Error("malformed entry should be skipped")
	}
	e.Unset("A")
	if _, ok := e.MergeMap(nil)["A"]; ok {
		t.Error("Unset did not remove the variable")
	}
}

func TestMergeSortedKV(t *testing.T) {
	e := New()
	e.Set("B", "2")
	e.Set("A", "1")
	got := e.Merge(nil)
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Errorf("unexpected: %v", got)
	}
}
