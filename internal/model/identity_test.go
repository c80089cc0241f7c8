package model

import (
	"testing"
)

func validIdentity() *Identity {
	return &Identity{
		ID:           "user-1",
		Kind:         KindUser,
		Email:        "alice@example.com",
		PasswordHash: "$2a$10$hash",
		Role:         RoleUser,
	}
}

func TestIdentity_Validate_PasswordIdentity(t *testing.T) {
	if err := validIdentity().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIdentity_Validate_FederatedIdentity(t *testing.T) {
	ident := validIdentity()
	ident.PasswordHash = ""
	ident.Provider = "google"
	ident.ProviderUserID = "google-123"

	if err := ident.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ident.IsFederated() {
		t.Error("IsFederated() = false, want true")
	}
}

func TestIdentity_Validate_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(i *Identity)
	}{
		{"両方設定", func(i *Identity) { i.Provider = "google"; i.ProviderUserID = "g-1" }},
		{"どちらも未設定", func(i *Identity) { i.PasswordHash = "" }},
		{"providerのみ", func(i *Identity) { i.PasswordHash = ""; i.ProviderUserID = "g-1" }},
		{"大文字メール", func(i *Identity) { i.Email = "Alice@Example.com" }},
		{"空メール", func(i *Identity) { i.Email = "" }},
		{"不正ロール", func(i *Identity) { i.Role = "owner" }},
		{"不正kind", func(i *Identity) { i.Kind = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ident := validIdentity()
			tt.mutate(ident)
			if err := ident.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestIdentity_Sanitized_ExcludesPasswordHash(t *testing.T) {
	ident := validIdentity()
	ident.FirstName = "Alice"
	ident.Addresses = []Address{{Line1: "1 Main St", City: "Tokyo", PostalCode: "100-0001", Country: "JP"}}

	p := ident.Sanitized()

	if p.ID != ident.ID || p.Email != ident.Email || p.Role != ident.Role {
		t.Errorf("Sanitized() = %+v, want fields copied from identity", p)
	}
	if p.FirstName != "Alice" {
		t.Errorf("FirstName = %q, want %q", p.FirstName, "Alice")
	}

	// 射影のスライスを変更しても元レコードに影響しないこと
	p.Addresses[0].City = "Osaka"
	if ident.Addresses[0].City != "Tokyo" {
		t.Error("Sanitized() must copy addresses")
	}
}

func TestPrincipal_IsAdmin(t *testing.T) {
	var nilPrincipal *Principal
	if nilPrincipal.IsAdmin() {
		t.Error("nil principal must not be admin")
	}
	if (&Principal{Role: RoleUser}).IsAdmin() {
		t.Error("user role must not be admin")
	}
	if !(&Principal{Role: RoleAdmin}).IsAdmin() {
		t.Error("admin role must be admin")
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "alice@example.com"},
		{"  Alice@Example.COM ", "alice@example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeEmail(tt.in); got != tt.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"alice@example.com", true},
		{"", false},
		{"not-an-email", false},
		{"Alice <alice@example.com>", false},
		{"a@b@c", false},
	}
	for _, tt := range tests {
		if got := IsValidEmail(tt.in); got != tt.want {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"3f2504e0-4f89-41d3-9a0c-0305e82c3301", true},
		{"3F2504E0-4F89-41D3-9A0C-0305E82C3301", true},
		{"urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301", false},
		{"{3f2504e0-4f89-41d3-9a0c-0305e82c3301}", false},
		{"3f2504e04f8941d39a0c0305e82c3301", false},
		{"not-a-uuid", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidID(tt.in); got != tt.want {
			t.Errorf("IsValidID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
