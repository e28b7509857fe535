package httpapi

import "testing"

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestCORSDefaults_FillEmptyLists(t *testing.T) {
	SetCORSOptions(true, nil, nil, []string{"Authorization"})
	defer SetCORSOptions(false, nil, nil, nil)
	origins, methods, headers := corsDefaults()
	if len(origins) != 1 || origins[0] != "*" {
		t.Fatalf("origins=%v", origins)
	}
	if len(methods) == 0 {
		t.Fatal("expected default methods")
	}
	if len(headers) != 1 || headers[0] != "Authorization" {
		t.Fatalf("explicit headers should be kept, got %v", headers)
	}
}
