package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConfig_AdvertisedAddress(t *testing.T) {
	tests := map[string]struct {
		hostname   string
		externalIP string
		want       string
	}{
		"external_ip_preferred": {hostname: "0.0.0.0", externalIP: "10.0.0.84", want: "10.0.0.84"},
		"hostname_fallback":     {hostname: "127.0.0.1", externalIP: "", want: "127.0.0.1"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{Hostname: tt.hostname, ExternalIP: tt.externalIP}

			if diff := cmp.Diff(tt.want, cfg.AdvertisedAddress()); diff != "" {
				t.Errorf("AdvertisedAddress() mismatch; diff:\n%s", diff)
			}
		})
	}
}

func TestConfig_SharedSecret(t *testing.T) {
	cfg := &Config{}
	if got := string(cfg.SharedSecret()); got != DefaultSharedSecret {
		t.Errorf("SharedSecret() want default, got = %s", got)
	}

	cfg.Auth.SharedSecret = "hunter2"
	if got := string(cfg.SharedSecret()); got != "hunter2" {
		t.Errorf("SharedSecret() want = hunter2, got = %s", got)
	}
}
