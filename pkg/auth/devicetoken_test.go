package auth

import (
	"strings"
	"testing"
)

func TestGenerateDeviceToken(t *testing.T) {
	generated := make(map[string]bool)

	for i := 0; i < 100; i++ {
		token, err := GenerateDeviceToken("iPhone 15")
		if err != nil {
			t.Fatalf("GenerateDeviceToken() error = %v", err)
		}

		if !ValidateDeviceTokenFormat(token) {
			t.Errorf("GenerateDeviceToken() generated invalid format: %s", token)
		}

		if !strings.HasPrefix(token, "drdt_ipho_") {
			t.Errorf("GenerateDeviceToken() unexpected hint: %s", token)
		}

		if generated[token] {
			t.Errorf("GenerateDeviceToken() generated duplicate token: %s", token)
		}
		generated[token] = true
	}
}

func TestGenerateDeviceToken_ShortHint(t *testing.T) {
	token, err := GenerateDeviceToken("a!")
	if err != nil {
		t.Fatalf("GenerateDeviceToken() error = %v", err)
	}
	if !strings.HasPrefix(token, "drdt_axxx_") {
		t.Errorf("GenerateDeviceToken() = %s, want padded hint", token)
	}
}

func TestValidateDeviceTokenFormat(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid", "drdt_ipho_" + strings.Repeat("a1", 24), true},
		{"empty", "", false},
		{"wrong prefix", "dvt_ipho_" + strings.Repeat("a1", 24), false},
		{"short hex", "drdt_ipho_" + strings.Repeat("a1", 10), false},
		{"uppercase hex", "drdt_ipho_" + strings.Repeat("A1", 24), false},
		{"jwt lookalike", "eyJhbGciOiJIUzI1NiJ9.e30.sig", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateDeviceTokenFormat(tt.token); got != tt.want {
				t.Errorf("ValidateDeviceTokenFormat(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}

func TestHashDeviceToken(t *testing.T) {
	a := HashDeviceToken("drdt_test")
	b := HashDeviceToken("drdt_test")
	c := HashDeviceToken("drdt_other")

	if a != b {
		t.Error("HashDeviceToken() should be deterministic")
	}
	if a == c {
		t.Error("HashDeviceToken() should differ for different tokens")
	}
	if len(a) != 64 {
		t.Errorf("HashDeviceToken() length = %d, want 64", len(a))
	}
}
