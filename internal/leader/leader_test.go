package leader

import (
	"os"
	"testing"
)

func TestIdentity_FromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "marketd-abc123")
	if got := identity(); got != "marketd-abc123" {
		t.Errorf("identity() = %q, want %q", got, "marketd-abc123")
	}
}

func TestIdentity_Hostname(t *testing.T) {
	t.Setenv("POD_NAME", "")
	host, err := os.Hostname()
	if err != nil {
		t.Skip("cannot get hostname")
	}
	if got := identity(); got != host {
		t.Errorf("identity() = %q, want %q", got, host)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Enabled {
		t.Error("Defaults().Enabled = true, want false")
	}
	if cfg.LeaseName != "marketd-leader" {
		t.Errorf("Defaults().LeaseName = %q, want %q", cfg.LeaseName, "marketd-leader")
	}
}
