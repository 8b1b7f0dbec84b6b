package provider

import "testing"

func validProviders() []Provider {
	return []Provider{
		{ID: "provider2", URL: "http://provider2.local/api/sms", Weight: 1},
		{ID: "provider1", URL: "http://provider1.local/api/sms", Weight: 2},
		{ID: "provider3", URL: "http://provider3.local/api/sms", Weight: 1},
	}
}

func TestNewRegistryOrdersByID(t *testing.T) {
	registry, err := NewRegistry(validProviders())
	if err != nil {
		t.Fatal(err)
	}

	ids := registry.IDs()
	want := []string{"provider1", "provider2", "provider3"}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	if registry.Len() != 3 {
		t.Errorf("Len() = %d, want 3", registry.Len())
	}
	p, ok := registry.Get("provider1")
	if !ok || p.Weight != 2 {
		t.Errorf("Get(provider1) = %+v, %v", p, ok)
	}
	if _, ok := registry.Get("provider9"); ok {
		t.Error("Get(provider9) found a provider that was never registered")
	}
}

func TestNewRegistryRejectsInvalidProviders(t *testing.T) {
	tests := []struct {
		name      string
		providers []Provider
	}{
		{"empty id", []Provider{{ID: "", URL: "http://x", Weight: 1}}},
		{"empty url", []Provider{{ID: "provider1", URL: "", Weight: 1}}},
		{"zero weight", []Provider{{ID: "provider1", URL: "http://x", Weight: 0}}},
		{"negative weight", []Provider{{ID: "provider1", URL: "http://x", Weight: -2}}},
		{"duplicate id", []Provider{
			{ID: "provider1", URL: "http://x", Weight: 1},
			{ID: "provider1", URL: "http://y", Weight: 1},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.providers); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestNewRegistryAllowsEmpty(t *testing.T) {
	registry, err := NewRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	if registry.Len() != 0 {
		t.Errorf("Len() = %d, want 0", registry.Len())
	}
}

func TestAllCopies(t *testing.T) {
	registry, err := NewRegistry(validProviders())
	if err != nil {
		t.Fatal(err)
	}

	all := registry.All()
	all[0].ID = "mutated"

	if ids := registry.IDs(); ids[0] != "provider1" {
		t.Errorf("registry mutated through All(): %v", ids)
	}
}
