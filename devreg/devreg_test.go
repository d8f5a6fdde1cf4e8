package devreg

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("nvme1", 42)

	got, ok := r.Lookup("nvme1")
	if !ok {
		t.Fatal("expected nvme1 to be found")
	}
	if got.(int) != 42 {
		t.Fatalf("got %v, want 42", got)
	}
}

func TestLookupMiss(t *testing.T) {
	r := New()
	if _, ok := r.Lookup("nvme1"); ok {
		t.Fatal("expected a miss on an empty registry")
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := New()
	r.Register("nvme1", "first")
	r.Register("nvme1", "second")

	got, _ := r.Lookup("nvme1")
	if got.(string) != "second" {
		t.Fatalf("got %v, want second", got)
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.Register("nvme1", 1)
	r.Unregister("nvme1")

	if _, ok := r.Lookup("nvme1"); ok {
		t.Fatal("expected nvme1 to be gone after Unregister")
	}
}

func TestNamesReflectsAllRegistered(t *testing.T) {
	r := New()
	r.Register("nvme1", 1)
	r.Register("nvme2", 2)

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("got %d names, want 2", len(names))
	}
}

// TestTwoRegistriesAreIsolated guards against an ambient singleton
// creeping in: two independently constructed Registry values must
// never see each other's entries.
func TestTwoRegistriesAreIsolated(t *testing.T) {
	a := New()
	b := New()

	a.Register("nvme1", "a")
	if _, ok := b.Lookup("nvme1"); ok {
		t.Fatal("registries are not isolated from each other")
	}
}

func TestErrNotFoundMessage(t *testing.T) {
	err := &ErrNotFound{Name: "nvme1"}
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}
