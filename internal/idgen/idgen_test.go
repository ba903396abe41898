package idgen

import (
	"strings"
	"testing"
)

func TestNew_Format(t *testing.T) {
	id := New()
	if len(id) != 36 {
		t.Fatalf("len = %d, want 36", len(id))
	}
	if strings.Count(id, "-") != 4 {
		t.Fatalf("id %q missing dashes", id)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("mmr_")
	if !strings.HasPrefix(id, "mmr_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if len(id) != len("mmr_")+24 {
		t.Fatalf("len = %d", len(id))
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Hex(8)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
