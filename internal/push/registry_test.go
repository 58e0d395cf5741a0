package push

import (
	"testing"
	"time"
)

func TestRegistryListOrder(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.Add(Notification{ID: "b", ShownAt: base.Add(time.Second), Options: Options{Tag: "x"}})
	r.Add(Notification{ID: "a", ShownAt: base, Options: Options{Tag: "y"}})

	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List = %+v", list)
	}
}

func TestRegistryTagReplace(t *testing.T) {
	r := NewRegistry()
	r.Add(Notification{ID: "1", Options: Options{Tag: "orders"}})
	replaced, ok := r.Add(Notification{ID: "2", Options: Options{Tag: "orders"}})
	if !ok || replaced.ID != "1" {
		t.Fatalf("expected replacement of 1, got %+v %v", replaced, ok)
	}
	if _, ok := r.Add(Notification{ID: "3"}); ok {
		t.Error("untagged notifications never replace")
	}
	if len(r.List()) != 2 {
		t.Errorf("List = %+v", r.List())
	}
	if _, ok := r.Remove("2"); !ok {
		t.Error("Remove should find 2")
	}
	if _, ok := r.Remove("2"); ok {
		t.Error("second Remove should miss")
	}
}
