package tilecoords

import "testing"

func TestCoordsLess(t *testing.T) {
	cases := []struct {
		a, b Coords
		want bool
	}{
		{Coords{X: 0, Y: 0, Zoom: 0}, Coords{X: 1, Y: 0, Zoom: 0}, true},
		{Coords{X: 1, Y: 0, Zoom: 0}, Coords{X: 0, Y: 0, Zoom: 0}, false},
		{Coords{X: 0, Y: 0, Zoom: 0}, Coords{X: 0, Y: 1, Zoom: 0}, true},
		{Coords{X: 0, Y: 0, Zoom: 1}, Coords{X: 0, Y: 0, Zoom: 0}, false},
		{Coords{X: 0, Y: 0, Zoom: 0}, Coords{X: 0, Y: 0, Zoom: 0}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestCoordsString(t *testing.T) {
	c := Coords{X: 3, Y: 4, Zoom: 2}
	if got, want := c.String(), "2/3/4"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestSetAddHasRemove(t *testing.T) {
	s := NewSet()
	c := Coords{X: 1, Y: 2, Zoom: 3}

	if s.Has(c) {
		t.Fatal("new set should not contain anything")
	}

	s.Add(c)
	if !s.Has(c) {
		t.Fatal("expected set to contain added coord")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	s.Add(c) // idempotent
	if s.Len() != 1 {
		t.Fatalf("adding a duplicate changed Len() to %d", s.Len())
	}

	s.Remove(c)
	if s.Has(c) {
		t.Fatal("expected coord to be gone after Remove")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestSetPopDrainsEverything(t *testing.T) {
	s := NewSet()
	want := map[Coords]struct{}{
		{X: 0, Y: 0, Zoom: 0}: {},
		{X: 1, Y: 0, Zoom: 0}: {},
		{X: 0, Y: 1, Zoom: 1}: {},
	}
	for c := range want {
		s.Add(c)
	}

	got := make(map[Coords]struct{})
	for {
		c, ok := s.Pop()
		if !ok {
			break
		}
		got[c] = struct{}{}
	}

	if len(got) != len(want) {
		t.Fatalf("drained %d coords, want %d", len(got), len(want))
	}
	for c := range want {
		if _, ok := got[c]; !ok {
			t.Errorf("missing %v after draining", c)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("set should be empty after draining, Len() = %d", s.Len())
	}
}

func TestSetClear(t *testing.T) {
	s := NewSet()
	s.Add(Coords{X: 1, Y: 1, Zoom: 1})
	s.Add(Coords{X: 2, Y: 2, Zoom: 2})
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len() after Clear() = %d, want 0", s.Len())
	}
}
