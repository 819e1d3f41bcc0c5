package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubSecretManager struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newStubSecretManager() *stubSecretManager {
	return &stubSecretManager{
		values: map[string]string{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (s *stubSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := req.GetName()
	s.calls[name]++
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	if value, ok := s.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (s *stubSecretManager) Close() error { return nil }

func (s *stubSecretManager) accessCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func writeFallbackFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteValue(t *testing.T) {
	ctx := context.Background()
	client := newStubSecretManager()
	resource := "projects/test/secrets/stripe_api_key/versions/latest"
	client.values[resource] = "remote-secret"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://stripe_api_key")
		if err != nil {
			t.Fatalf("Resolve call %d: %v", i+1, err)
		}
		if got != "remote-secret" {
			t.Fatalf("Resolve call %d = %q, want remote-secret", i+1, got)
		}
	}
	if calls := client.accessCount(resource); calls != 1 {
		t.Fatalf("remote accessed %d times, want 1", calls)
	}
}

func TestResolveFallsBackWhenAccessDenied(t *testing.T) {
	ctx := context.Background()
	fallback := writeFallbackFile(t, "secret://stripe_api_key=local-secret\n")

	client := newStubSecretManager()
	client.errs["projects/test/secrets/stripe_api_key/versions/latest"] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithFallbackFile(fallback),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://stripe_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("Resolve = %q, want local-secret", got)
	}
}

func TestResolveSurfacesNotFound(t *testing.T) {
	ctx := context.Background()
	fallback := writeFallbackFile(t, "secret://stripe_api_key=local-secret\n")

	client := newStubSecretManager()
	client.errs["projects/test/secrets/stripe_api_key/versions/latest"] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithFallbackFile(fallback),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Resolve(ctx, "secret://stripe_api_key"); err == nil {
		t.Fatal("expected error for missing secret, got nil")
	}
}

func TestResolveHonoursVersionPins(t *testing.T) {
	ctx := context.Background()
	client := newStubSecretManager()
	pinned := "projects/test/secrets/stripe_api_key/versions/5"
	client.values[pinned] = "version-5"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithVersionPins(map[string]string{"secret://stripe_api_key": "5"}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://stripe_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "version-5" {
		t.Fatalf("Resolve = %q, want version-5", got)
	}
	if calls := client.accessCount(pinned); calls != 1 {
		t.Fatalf("pinned version accessed %d times, want 1", calls)
	}
}

func TestInvalidateNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	client := newStubSecretManager()
	client.values["projects/test/secrets/stripe_api_key/versions/latest"] = "remote-secret"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if _, err := fetcher.Resolve(ctx, "secret://stripe_api_key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ch, cancel := fetcher.Subscribe("secret://stripe_api_key")
	defer cancel()

	fetcher.Invalidate("secret://stripe_api_key")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no invalidation notification within 1s")
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()

	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	fallback := writeFallbackFile(t, "# dev secrets\nsm://stripe_api_key=local-secret\n")

	fetcher, err := NewFetcher(ctx, WithFallbackFile(fallback))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, "secret://stripe_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("Resolve = %q, want local-secret", got)
	}
}
