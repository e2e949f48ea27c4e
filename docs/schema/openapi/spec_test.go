package openapi

import (
	"bytes"
	"os"
	"testing"
)

func TestSpecReturnsCopyAndMatchesFile(t *testing.T) {
	want, err := os.ReadFile("eventcore.yaml")
	if err != nil {
		t.Fatalf("read eventcore.yaml: %v", err)
	}

	spec := Spec()
	if len(spec) == 0 {
		t.Fatal("Spec returned empty content")
	}
	if !bytes.Equal(spec, want) {
		t.Fatalf("Spec does not match embedded OpenAPI contents")
	}

	spec[0] ^= 0xFF
	if bytes.Equal(spec, EventcoreSpec) {
		t.Fatalf("Spec did not return a defensive copy")
	}
	if !bytes.Equal(Spec(), want) {
		t.Fatalf("Spec mutation leaked into embedded content")
	}
}

func TestSpecDocumentsRoutes(t *testing.T) {
	for _, path := range []string{"/events/{event}/datavalues:", "/events/{event}/archives:", "/events/{event}/datavalues/{dataElement}:"} {
		if !bytes.Contains(EventcoreSpec, []byte(path)) {
			t.Fatalf("expected %s documented", path)
		}
	}
}
