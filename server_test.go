package oauth

import (
	"testing"

	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage/memory"
)

func TestNewServer(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := NewServer(store, &server.Config{Issuer: "https://auth.example.com"}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv.Auditor == nil {
		t.Error("NewServer() should enable the auditor")
	}
	if srv.Config.Realm != server.DefaultRealm {
		t.Errorf("Realm = %q, want %q", srv.Config.Realm, server.DefaultRealm)
	}
}

func TestNewServer_InvalidConfig(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	_, err := NewServer(store, &server.Config{TokenSecretStrategy: "bcrypt"}, nil)
	if err == nil {
		t.Error("NewServer() with bcrypt tokens should fail")
	}
}

func TestNewServer_NilStore(t *testing.T) {
	if _, err := NewServer(nil, nil, nil); err == nil {
		t.Error("NewServer() without a store should fail")
	}
}
