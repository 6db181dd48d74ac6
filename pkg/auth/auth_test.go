package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/genomewiz/pkg/auth"
	"github.com/ethpandaops/genomewiz/pkg/config"
	"github.com/ethpandaops/genomewiz/pkg/credential"
	"github.com/ethpandaops/genomewiz/pkg/store"
)

var testSecret = []byte("test-signing-secret")

const testCookie = "genomewiz_session"

type fakeProvider struct {
	identity *auth.ProviderIdentity
	err      error
	block    bool

	// byCode, when set, answers per authorization code.
	byCode map[string]*auth.ProviderIdentity
}

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.test/authorize?state=" + state
}

func (f *fakeProvider) Identify(ctx context.Context, code string) (*auth.ProviderIdentity, error) {
	if f.block {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if f.byCode != nil {
		return f.byCode[code], nil
	}

	return f.identity, f.err
}

type fixture struct {
	store    store.Store
	codec    *credential.Codec
	sessions *auth.Sessions
	resolver *auth.Resolver
	exchange *auth.Exchange
	provider *fakeProvider
}

type fixtureOptions struct {
	allowedDomain string
	reconcile     bool
	timeout       time.Duration
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	s := store.NewStore(testLogger(), cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	log := testLogger()
	st := setupTestStore(t)
	codec := credential.NewCodec(testSecret)
	sessions := auth.NewSessions(log, st, []byte("session-secret"), testCookie, time.Hour)
	provider := &fakeProvider{}

	return &fixture{
		store:    st,
		codec:    codec,
		sessions: sessions,
		provider: provider,
		resolver: auth.NewResolver(log, st, codec, sessions, auth.ResolverConfig{
			ReconcileCredentialRoles: opts.reconcile,
		}),
		exchange: auth.NewExchange(log, st, provider, codec, sessions, auth.ExchangeConfig{
			AllowedDomain:   opts.allowedDomain,
			ProviderTimeout: opts.timeout,
		}),
	}
}

// login completes an OAuth login for the given provider identity.
func (f *fixture) login(t *testing.T, sub, email, name string) *auth.LoginResult {
	t.Helper()

	f.provider.identity = &auth.ProviderIdentity{Subject: sub, Email: email, Name: name}
	f.provider.err = nil

	result, err := f.exchange.CompleteLogin(context.Background(), "code-"+sub)
	require.NoError(t, err)

	return result
}

func newRequest(bearer, sessionToken string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)

	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}

	if sessionToken != "" {
		r.AddCookie(&http.Cookie{Name: testCookie, Value: sessionToken})
	}

	return r
}
