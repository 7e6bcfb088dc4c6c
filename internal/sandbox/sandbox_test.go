package sandbox

import "testing"

func TestNameRoundTrip(t *testing.T) {
	tests := []struct {
		tenantID string
		want     string
	}{
		{"acme", "tenant-acme"},
		{"a1b2-c3", "tenant-a1b2-c3"},
	}
	for _, tt := range tests {
		name := Name(tt.tenantID)
		if name != tt.want {
			t.Errorf("Name(%q) = %q, want %q", tt.tenantID, name, tt.want)
		}
		id, err := TenantID(name)
		if err != nil {
			t.Errorf("TenantID(%q): %v", name, err)
		}
		if id != tt.tenantID {
			t.Errorf("TenantID(%q) = %q, want %q", name, id, tt.tenantID)
		}
	}
}

func TestTenantIDRejectsForeignNames(t *testing.T) {
	for _, name := range []string{"", "tenant-", "sprite-x", "acme"} {
		if _, err := TenantID(name); err == nil {
			t.Errorf("TenantID(%q) should fail", name)
		}
	}
}
