// Package storagetest provides a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-server/storage"
)

// Factory returns an empty store. The suite calls it once per subtest.
type Factory func(t *testing.T) storage.Store

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Run exercises every storage.Store operation against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"Applications", testApplications},
		{"ApplicationUIDUnique", testApplicationUIDUnique},
		{"DeleteApplicationCascades", testDeleteApplicationCascades},
		{"AccessGrantSingleUse", testAccessGrantSingleUse},
		{"AccessGrantConcurrentRedemption", testAccessGrantConcurrentRedemption},
		{"DeviceGrantLifecycle", testDeviceGrantLifecycle},
		{"DeviceGrantUniqueCodes", testDeviceGrantUniqueCodes},
		{"DevicePolling", testDevicePolling},
		{"AccessTokens", testAccessTokens},
		{"AccessTokenUniqueness", testAccessTokenUniqueness},
		{"FindAccessTokensNewestFirst", testFindAccessTokens},
		{"RevokeAccessToken", testRevokeAccessToken},
		{"RevokeTokenFamily", testRevokeTokenFamily},
		{"ClearPreviousRefreshToken", testClearPreviousRefreshToken},
		{"MarkRefreshedOnce", testMarkRefreshed},
		{"DeleteStale", testDeleteStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func saveApp(t *testing.T, s storage.Store, uid string) *storage.Application {
	t.Helper()
	app := &storage.Application{
		Name:         uid,
		UID:          uid,
		Secret:       "secret-" + uid,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"read", "write"},
		Confidential: true,
		CreatedAt:    epoch,
	}
	if err := s.SaveApplication(context.Background(), app); err != nil {
		t.Fatalf("SaveApplication() error = %v", err)
	}
	return app
}

func newToken(appID, ownerID, token, refresh string, createdAt time.Time) *storage.AccessToken {
	return &storage.AccessToken{
		Lifetime:        storage.Lifetime{CreatedAt: createdAt, ExpiresIn: time.Hour},
		Token:           token,
		RefreshToken:    refresh,
		ApplicationID:   appID,
		ResourceOwnerID: ownerID,
		Scopes:          []string{"read"},
	}
}

func testApplications(t *testing.T, s storage.Store) {
	ctx := context.Background()
	app := saveApp(t, s, "client-1")
	if app.ID == "" {
		t.Fatal("SaveApplication() did not assign an ID")
	}

	got, err := s.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if got.UID != "client-1" || got.Secret != "secret-client-1" || len(got.RedirectURIs) != 1 {
		t.Errorf("GetApplication() = %+v, want saved application", got)
	}

	byUID, err := s.GetApplicationByUID(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetApplicationByUID() error = %v", err)
	}
	if byUID.ID != app.ID {
		t.Errorf("GetApplicationByUID().ID = %q, want %q", byUID.ID, app.ID)
	}

	// secret rotation updates in place
	byUID.Secret = "rotated"
	if err := s.SaveApplication(ctx, byUID); err != nil {
		t.Fatalf("SaveApplication() update error = %v", err)
	}
	got, _ = s.GetApplication(ctx, app.ID)
	if got.Secret != "rotated" {
		t.Errorf("Secret = %q, want %q", got.Secret, "rotated")
	}

	saveApp(t, s, "client-2")
	apps, err := s.ListApplications(ctx)
	if err != nil {
		t.Fatalf("ListApplications() error = %v", err)
	}
	if len(apps) != 2 {
		t.Errorf("ListApplications() returned %d applications, want 2", len(apps))
	}

	if _, err := s.GetApplicationByUID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetApplicationByUID(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.SaveApplication(ctx, &storage.Application{}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Errorf("SaveApplication(empty) error = %v, want ErrInvalidRecord", err)
	}
}

func testApplicationUIDUnique(t *testing.T, s storage.Store) {
	saveApp(t, s, "dup")
	err := s.SaveApplication(context.Background(), &storage.Application{UID: "dup", CreatedAt: epoch})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("SaveApplication() with taken uid error = %v, want ErrAlreadyExists", err)
	}
}

func testDeleteApplicationCascades(t *testing.T, s storage.Store) {
	ctx := context.Background()
	app := saveApp(t, s, "doomed")
	other := saveApp(t, s, "survivor")

	grant := &storage.AccessGrant{Lifetime: storage.Lifetime{CreatedAt: epoch, ExpiresIn: time.Minute}, Token: "code-1", ApplicationID: app.ID, ResourceOwnerID: "alice"}
	if err := s.CreateAccessGrant(ctx, grant); err != nil {
		t.Fatalf("CreateAccessGrant() error = %v", err)
	}
	device := &storage.DeviceGrant{Lifetime: storage.Lifetime{CreatedAt: epoch, ExpiresIn: time.Minute}, DeviceCode: "dev-1", UserCode: "BCDF-GHJK", ApplicationID: app.ID}
	if err := s.CreateDeviceGrant(ctx, device); err != nil {
		t.Fatalf("CreateDeviceGrant() error = %v", err)
	}
	for _, tok := range []*storage.AccessToken{
		newToken(app.ID, "alice", "tok-1", "ref-1", epoch),
		newToken(other.ID, "alice", "tok-2", "ref-2", epoch),
	} {
		if err := s.CreateAccessToken(ctx, tok); err != nil {
			t.Fatalf("CreateAccessToken() error = %v", err)
		}
	}

	if err := s.DeleteApplication(ctx, app.ID); err != nil {
		t.Fatalf("DeleteApplication() error = %v", err)
	}

	if _, err := s.GetApplication(ctx, app.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetApplication() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAccessGrant(ctx, "code-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessGrant() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDeviceGrantByUserCode(ctx, "BCDF-GHJK"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDeviceGrantByUserCode() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAccessTokenByRefreshToken(ctx, "ref-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessTokenByRefreshToken() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAccessToken(ctx, "tok-2"); err != nil {
		t.Errorf("token of another application was deleted: %v", err)
	}
	if err := s.DeleteApplication(ctx, app.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second DeleteApplication() error = %v, want ErrNotFound", err)
	}
}

func testAccessGrantSingleUse(t *testing.T, s storage.Store) {
	ctx := context.Background()
	grant := &storage.AccessGrant{
		Lifetime:            storage.Lifetime{CreatedAt: epoch, ExpiresIn: 10 * time.Minute},
		Token:               "code-abc",
		ApplicationID:       "app",
		ResourceOwnerID:     "alice",
		RedirectURI:         "https://app.example.com/callback",
		Scopes:              []string{"read"},
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		ResourceIndicators:  []string{"https://api.example.com"},
	}
	if err := s.CreateAccessGrant(ctx, grant); err != nil {
		t.Fatalf("CreateAccessGrant() error = %v", err)
	}
	if err := s.CreateAccessGrant(ctx, &storage.AccessGrant{Token: "code-abc"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("CreateAccessGrant() duplicate error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetAccessGrant(ctx, "code-abc")
	if err != nil {
		t.Fatalf("GetAccessGrant() error = %v", err)
	}
	if got.CodeChallengeMethod != "S256" || got.RedirectURI != grant.RedirectURI || len(got.ResourceIndicators) != 1 {
		t.Errorf("GetAccessGrant() = %+v, want stored grant", got)
	}

	revoked, err := s.RevokeAccessGrant(ctx, "code-abc", epoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("RevokeAccessGrant() error = %v", err)
	}
	if revoked.RevokedAt == nil || !revoked.RevokedAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("RevokedAt = %v, want %v", revoked.RevokedAt, epoch.Add(time.Minute))
	}

	if _, err := s.RevokeAccessGrant(ctx, "code-abc", epoch.Add(2*time.Minute)); !errors.Is(err, storage.ErrAlreadyRevoked) {
		t.Errorf("second RevokeAccessGrant() error = %v, want ErrAlreadyRevoked", err)
	}
	if _, err := s.RevokeAccessGrant(ctx, "missing", epoch); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RevokeAccessGrant(missing) error = %v, want ErrNotFound", err)
	}
}

func testAccessGrantConcurrentRedemption(t *testing.T, s storage.Store) {
	ctx := context.Background()
	grant := &storage.AccessGrant{Lifetime: storage.Lifetime{CreatedAt: epoch, ExpiresIn: time.Minute}, Token: "race"}
	if err := s.CreateAccessGrant(ctx, grant); err != nil {
		t.Fatalf("CreateAccessGrant() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RevokeAccessGrant(ctx, "race", epoch)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, storage.ErrAlreadyRevoked):
				t.Errorf("RevokeAccessGrant() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d concurrent redemptions succeeded, want exactly 1", wins.Load())
	}
}

func testDeviceGrantLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, code := range []string{"approve", "deny"} {
		g := &storage.DeviceGrant{
			Lifetime:      storage.Lifetime{CreatedAt: epoch, ExpiresIn: 5 * time.Minute},
			DeviceCode:    "device-" + code,
			UserCode:      "USER-" + code,
			ApplicationID: "app",
			Scopes:        []string{"read"},
		}
		if err := s.CreateDeviceGrant(ctx, g); err != nil {
			t.Fatalf("CreateDeviceGrant() error = %v", err)
		}
	}

	approved, err := s.ApproveDeviceGrant(ctx, "USER-approve", "alice")
	if err != nil {
		t.Fatalf("ApproveDeviceGrant() error = %v", err)
	}
	if !approved.Approved() || approved.ResourceOwnerID != "alice" {
		t.Errorf("ApproveDeviceGrant() = %+v, want approved by alice", approved)
	}
	if _, err := s.ApproveDeviceGrant(ctx, "USER-approve", "bob"); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("second ApproveDeviceGrant() error = %v, want ErrAlreadyExists", err)
	}
	if _, err := s.DenyDeviceGrant(ctx, "USER-approve", epoch); !errors.Is(err, storage.ErrAlreadyRevoked) {
		t.Errorf("DenyDeviceGrant() after approval error = %v, want ErrAlreadyRevoked", err)
	}

	denied, err := s.DenyDeviceGrant(ctx, "USER-deny", epoch.Add(time.Second))
	if err != nil {
		t.Fatalf("DenyDeviceGrant() error = %v", err)
	}
	if !denied.Denied() {
		t.Error("DenyDeviceGrant() did not mark the grant denied")
	}
	if _, err := s.ApproveDeviceGrant(ctx, "USER-deny", "alice"); !errors.Is(err, storage.ErrAlreadyRevoked) {
		t.Errorf("ApproveDeviceGrant() after denial error = %v, want ErrAlreadyRevoked", err)
	}

	got, err := s.GetDeviceGrant(ctx, "device-approve")
	if err != nil {
		t.Fatalf("GetDeviceGrant() error = %v", err)
	}
	if got.ResourceOwnerID != "alice" {
		t.Errorf("GetDeviceGrant().ResourceOwnerID = %q, want alice", got.ResourceOwnerID)
	}

	if _, err := s.RevokeDeviceGrant(ctx, "device-approve", epoch.Add(time.Minute)); err != nil {
		t.Fatalf("RevokeDeviceGrant() error = %v", err)
	}
	if _, err := s.RevokeDeviceGrant(ctx, "device-approve", epoch.Add(time.Minute)); !errors.Is(err, storage.ErrAlreadyRevoked) {
		t.Errorf("second RevokeDeviceGrant() error = %v, want ErrAlreadyRevoked", err)
	}
	if _, err := s.GetDeviceGrantByUserCode(ctx, "USER-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDeviceGrantByUserCode(missing) error = %v, want ErrNotFound", err)
	}
}

func testDeviceGrantUniqueCodes(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := storage.Lifetime{CreatedAt: epoch, ExpiresIn: time.Minute}
	if err := s.CreateDeviceGrant(ctx, &storage.DeviceGrant{Lifetime: base, DeviceCode: "d1", UserCode: "U1"}); err != nil {
		t.Fatalf("CreateDeviceGrant() error = %v", err)
	}

	tests := []struct {
		name  string
		grant *storage.DeviceGrant
		want  error
	}{
		{name: "device code taken", grant: &storage.DeviceGrant{Lifetime: base, DeviceCode: "d1", UserCode: "U2"}, want: storage.ErrAlreadyExists},
		{name: "user code taken", grant: &storage.DeviceGrant{Lifetime: base, DeviceCode: "d2", UserCode: "U1"}, want: storage.ErrAlreadyExists},
		{name: "missing user code", grant: &storage.DeviceGrant{Lifetime: base, DeviceCode: "d3"}, want: storage.ErrInvalidRecord},
	}
	for _, tt := range tests {
		if err := s.CreateDeviceGrant(ctx, tt.grant); !errors.Is(err, tt.want) {
			t.Errorf("%s: CreateDeviceGrant() error = %v, want %v", tt.name, err, tt.want)
		}
	}

	// the rejected user code must not have been indexed
	if _, err := s.GetDeviceGrantByUserCode(ctx, "U2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDeviceGrantByUserCode(U2) error = %v, want ErrNotFound", err)
	}
}

func testDevicePolling(t *testing.T, s storage.Store) {
	ctx := context.Background()
	g := &storage.DeviceGrant{Lifetime: storage.Lifetime{CreatedAt: epoch, ExpiresIn: 5 * time.Minute}, DeviceCode: "poll", UserCode: "POLL"}
	if err := s.CreateDeviceGrant(ctx, g); err != nil {
		t.Fatalf("CreateDeviceGrant() error = %v", err)
	}

	interval := 5 * time.Second
	steps := []struct {
		at      time.Duration
		tooFast bool
	}{
		{at: 0, tooFast: false},
		{at: 2 * time.Second, tooFast: true},
		{at: 5 * time.Second, tooFast: false},
		{at: 9 * time.Second, tooFast: true},
		{at: 10 * time.Second, tooFast: false},
	}
	for _, step := range steps {
		_, tooFast, err := s.RecordDevicePoll(ctx, "poll", epoch.Add(step.at), interval)
		if err != nil {
			t.Fatalf("RecordDevicePoll(+%s) error = %v", step.at, err)
		}
		if tooFast != step.tooFast {
			t.Errorf("RecordDevicePoll(+%s) tooFast = %v, want %v", step.at, tooFast, step.tooFast)
		}
	}

	got, _ := s.GetDeviceGrant(ctx, "poll")
	if got.LastPollingAt == nil || !got.LastPollingAt.Equal(epoch.Add(10*time.Second)) {
		t.Errorf("LastPollingAt = %v, want %v", got.LastPollingAt, epoch.Add(10*time.Second))
	}
	if _, _, err := s.RecordDevicePoll(ctx, "missing", epoch, interval); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RecordDevicePoll(missing) error = %v, want ErrNotFound", err)
	}
}

func testAccessTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := newToken("app", "alice", "access-1", "refresh-1", epoch)
	tok.ResourceIndicators = []string{"https://api.example.com"}
	if err := s.CreateAccessToken(ctx, tok); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	if tok.ID == "" || tok.FamilyID != tok.ID {
		t.Errorf("CreateAccessToken() ID = %q, FamilyID = %q; want assigned and equal", tok.ID, tok.FamilyID)
	}

	got, err := s.GetAccessToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.RefreshToken != "refresh-1" || got.ExpiresIn != time.Hour || !got.CreatedAt.Equal(epoch) {
		t.Errorf("GetAccessToken() = %+v, want stored token", got)
	}

	byRefresh, err := s.GetAccessTokenByRefreshToken(ctx, "refresh-1")
	if err != nil {
		t.Fatalf("GetAccessTokenByRefreshToken() error = %v", err)
	}
	if byRefresh.Token != "access-1" {
		t.Errorf("GetAccessTokenByRefreshToken().Token = %q, want access-1", byRefresh.Token)
	}

	clientless := newToken("", "", "access-2", "", epoch)
	if err := s.CreateAccessToken(ctx, clientless); err != nil {
		t.Fatalf("CreateAccessToken() clientless error = %v", err)
	}
	if _, err := s.GetAccessTokenByRefreshToken(ctx, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessTokenByRefreshToken(\"\") error = %v, want ErrNotFound", err)
	}
}

func testAccessTokenUniqueness(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.CreateAccessToken(ctx, newToken("app", "alice", "a", "r", epoch)); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}

	tests := []struct {
		name  string
		token *storage.AccessToken
		want  error
	}{
		{name: "access token taken", token: newToken("app", "bob", "a", "r2", epoch), want: storage.ErrAlreadyExists},
		{name: "refresh token taken", token: newToken("app", "bob", "b", "r", epoch), want: storage.ErrAlreadyExists},
		{name: "empty token", token: newToken("app", "bob", "", "", epoch), want: storage.ErrInvalidRecord},
	}
	for _, tt := range tests {
		if err := s.CreateAccessToken(ctx, tt.token); !errors.Is(err, tt.want) {
			t.Errorf("%s: CreateAccessToken() error = %v, want %v", tt.name, err, tt.want)
		}
	}

	// a rejected token leaves no trace behind
	if _, err := s.GetAccessToken(ctx, "b"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessToken(b) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAccessTokenByRefreshToken(ctx, "r2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetAccessTokenByRefreshToken(r2) error = %v, want ErrNotFound", err)
	}
}

func testFindAccessTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, owner := range []string{"alice", "alice", "bob", "alice"} {
		tok := newToken("app", owner, fmt.Sprintf("t%d", i), "", epoch.Add(time.Duration(i)*time.Minute))
		if err := s.CreateAccessToken(ctx, tok); err != nil {
			t.Fatalf("CreateAccessToken() error = %v", err)
		}
	}
	if err := s.CreateAccessToken(ctx, newToken("other", "alice", "t9", "", epoch)); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}

	found, err := s.FindAccessTokens(ctx, "app", "alice")
	if err != nil {
		t.Fatalf("FindAccessTokens() error = %v", err)
	}
	var got []string
	for _, tok := range found {
		got = append(got, tok.Token)
	}
	want := []string{"t3", "t1", "t0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("FindAccessTokens() = %v, want %v", got, want)
	}

	none, err := s.FindAccessTokens(ctx, "app", "carol")
	if err != nil {
		t.Fatalf("FindAccessTokens() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("FindAccessTokens(carol) returned %d tokens, want 0", len(none))
	}
}

func testRevokeAccessToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.CreateAccessToken(ctx, newToken("app", "alice", "tok", "ref", epoch)); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}

	revoked, err := s.RevokeAccessToken(ctx, "tok", epoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	if !revoked.Revoked(epoch.Add(time.Minute)) {
		t.Error("RevokeAccessToken() returned a token that is not revoked")
	}
	if _, err := s.RevokeAccessToken(ctx, "tok", epoch.Add(time.Hour)); !errors.Is(err, storage.ErrAlreadyRevoked) {
		t.Errorf("second RevokeAccessToken() error = %v, want ErrAlreadyRevoked", err)
	}

	// revocation is visible through the refresh token index
	byRefresh, err := s.GetAccessTokenByRefreshToken(ctx, "ref")
	if err != nil {
		t.Fatalf("GetAccessTokenByRefreshToken() error = %v", err)
	}
	if byRefresh.RevokedAt == nil || !byRefresh.RevokedAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("RevokedAt = %v, want %v", byRefresh.RevokedAt, epoch.Add(time.Minute))
	}
}

func testRevokeTokenFamily(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := newToken("app", "alice", "gen-0", "ref-0", epoch)
	if err := s.CreateAccessToken(ctx, first); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	if _, err := s.RevokeAccessToken(ctx, "gen-0", epoch.Add(time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	for i := 1; i <= 2; i++ {
		tok := newToken("app", "alice", fmt.Sprintf("gen-%d", i), fmt.Sprintf("ref-%d", i), epoch.Add(time.Duration(i)*time.Minute))
		tok.FamilyID = first.FamilyID
		if err := s.CreateAccessToken(ctx, tok); err != nil {
			t.Fatalf("CreateAccessToken() error = %v", err)
		}
	}
	if err := s.CreateAccessToken(ctx, newToken("app", "alice", "unrelated", "", epoch)); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}

	n, err := s.RevokeTokenFamily(ctx, first.FamilyID, epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("RevokeTokenFamily() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeTokenFamily() = %d, want 2", n)
	}

	for _, name := range []string{"gen-1", "gen-2"} {
		tok, _ := s.GetAccessToken(ctx, name)
		if tok.RevokedAt == nil {
			t.Errorf("%s was not revoked", name)
		}
	}
	gen0, _ := s.GetAccessToken(ctx, "gen-0")
	if !gen0.RevokedAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("family revocation moved RevokedAt of an already revoked token to %v", gen0.RevokedAt)
	}
	unrelated, _ := s.GetAccessToken(ctx, "unrelated")
	if unrelated.RevokedAt != nil {
		t.Error("RevokeTokenFamily() revoked a token of another family")
	}

	if n, _ := s.RevokeTokenFamily(ctx, first.FamilyID, epoch.Add(2*time.Hour)); n != 0 {
		t.Errorf("second RevokeTokenFamily() = %d, want 0", n)
	}
}

func testClearPreviousRefreshToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := newToken("app", "alice", "new", "new-ref", epoch)
	tok.PreviousRefreshToken = "old-ref"
	if err := s.CreateAccessToken(ctx, tok); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}

	if err := s.ClearPreviousRefreshToken(ctx, "new"); err != nil {
		t.Fatalf("ClearPreviousRefreshToken() error = %v", err)
	}
	got, _ := s.GetAccessToken(ctx, "new")
	if got.PreviousRefreshToken != "" {
		t.Errorf("PreviousRefreshToken = %q, want empty", got.PreviousRefreshToken)
	}
	if err := s.ClearPreviousRefreshToken(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ClearPreviousRefreshToken(missing) error = %v, want ErrNotFound", err)
	}
}

func testDeleteStale(t *testing.T, s storage.Store) {
	ctx := context.Background()
	cutoff := epoch.Add(time.Hour)

	expired := newToken("app", "alice", "expired", "expired-ref", epoch)
	expired.ExpiresIn = time.Minute
	live := newToken("app", "alice", "live", "live-ref", epoch)
	live.ExpiresIn = 24 * time.Hour
	forever := newToken("app", "alice", "forever", "", epoch)
	forever.ExpiresIn = 0
	for _, tok := range []*storage.AccessToken{expired, live, forever} {
		if err := s.CreateAccessToken(ctx, tok); err != nil {
			t.Fatalf("CreateAccessToken() error = %v", err)
		}
	}
	if err := s.CreateAccessGrant(ctx, &storage.AccessGrant{Lifetime: storage.Lifetime{CreatedAt: epoch, ExpiresIn: time.Minute}, Token: "old-code"}); err != nil {
		t.Fatalf("CreateAccessGrant() error = %v", err)
	}
	if err := s.CreateDeviceGrant(ctx, &storage.DeviceGrant{Lifetime: storage.Lifetime{CreatedAt: epoch, ExpiresIn: time.Minute}, DeviceCode: "old-device", UserCode: "OLD"}); err != nil {
		t.Fatalf("CreateDeviceGrant() error = %v", err)
	}

	n, err := s.DeleteStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteStale() error = %v", err)
	}
	if n != 3 {
		t.Errorf("DeleteStale() = %d, want 3", n)
	}

	if _, err := s.GetAccessTokenByRefreshToken(ctx, "expired-ref"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("refresh index of a deleted token still resolves: %v", err)
	}
	if _, err := s.GetDeviceGrantByUserCode(ctx, "OLD"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("user code index of a deleted grant still resolves: %v", err)
	}
	for _, name := range []string{"live", "forever"} {
		if _, err := s.GetAccessToken(ctx, name); err != nil {
			t.Errorf("GetAccessToken(%s) error = %v", name, err)
		}
	}
}

func testMarkRefreshed(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.CreateAccessToken(ctx, newToken("app", "alice", "tok", "ref", epoch)); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}

	at := epoch.Add(time.Minute)
	marked, err := s.MarkRefreshed(ctx, "tok", at)
	if err != nil {
		t.Fatalf("MarkRefreshed() error = %v", err)
	}
	if marked.RefreshedAt == nil || !marked.RefreshedAt.Equal(at) {
		t.Errorf("RefreshedAt = %v, want %v", marked.RefreshedAt, at)
	}
	got, _ := s.GetAccessToken(ctx, "tok")
	if got.RefreshedAt == nil {
		t.Error("RefreshedAt was not persisted")
	}
	if !got.Accessible(at) {
		t.Error("marking a refresh must not revoke the token")
	}

	if _, err := s.MarkRefreshed(ctx, "tok", at); !errors.Is(err, storage.ErrAlreadyRefreshed) {
		t.Errorf("second MarkRefreshed() error = %v, want ErrAlreadyRefreshed", err)
	}

	if err := s.CreateAccessToken(ctx, newToken("app", "alice", "gone", "gone-ref", epoch)); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	if _, err := s.RevokeAccessToken(ctx, "gone", at); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	if _, err := s.MarkRefreshed(ctx, "gone", at); !errors.Is(err, storage.ErrAlreadyRevoked) {
		t.Errorf("MarkRefreshed(revoked) error = %v, want ErrAlreadyRevoked", err)
	}
	if _, err := s.MarkRefreshed(ctx, "missing", at); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkRefreshed(missing) error = %v, want ErrNotFound", err)
	}
}
