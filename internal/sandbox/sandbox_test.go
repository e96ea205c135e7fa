package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codeYAY/SPACE/internal/sandbox"
	"github.com/codeYAY/SPACE/pkg/models"
)

func newManager(p sandbox.Provider, attempts int) *sandbox.Manager {
	return sandbox.NewManager(p, sandbox.WithURLRetry(attempts, time.Millisecond))
}

func TestResolveExternalURL_RetriesUntilReady(t *testing.T) {
	p := sandbox.NewMemoryProvider()
	calls := 0
	p.OnHost(func(_ context.Context, sb *sandbox.MemorySandbox, port int) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("port not open")
		}
		return "3000-" + sb.ID + ".example.dev", nil
	})

	m := newManager(p, 5)
	ctx := context.Background()
	handle, err := m.Create(ctx, "", nil, time.Minute)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	url, err := m.ResolveExternalURL(ctx, handle)
	if err != nil {
		t.Fatalf("ResolveExternalURL() error = %v", err)
	}
	if want := "https://3000-" + handle + ".example.dev"; url != want {
		t.Errorf("ResolveExternalURL() = %q, want %q", url, want)
	}
	if calls != 3 {
		t.Errorf("Host() called %d times, want 3", calls)
	}
}

func TestResolveExternalURL_FatalAfterCeiling(t *testing.T) {
	p := sandbox.NewMemoryProvider()
	calls := 0
	p.OnHost(func(context.Context, *sandbox.MemorySandbox, int) (string, error) {
		calls++
		return "", errors.New("connection refused")
	})

	m := newManager(p, sandbox.DefaultURLAttempts)
	ctx := context.Background()
	handle, _ := m.Create(ctx, "", nil, time.Minute)

	url, err := m.ResolveExternalURL(ctx, handle)
	if !errors.Is(err, sandbox.ErrURLUnresolved) {
		t.Fatalf("ResolveExternalURL() error = %v, want ErrURLUnresolved", err)
	}
	if url != "" {
		t.Errorf("ResolveExternalURL() = %q, want empty", url)
	}
	if calls != 5 {
		t.Errorf("Host() called %d times, want 5", calls)
	}
}

func TestResolveExternalURL_LinearDelay(t *testing.T) {
	p := sandbox.NewMemoryProvider()
	var stamps []time.Time
	p.OnHost(func(context.Context, *sandbox.MemorySandbox, int) (string, error) {
		stamps = append(stamps, time.Now())
		return "", errors.New("not yet")
	})

	delay := 20 * time.Millisecond
	m := sandbox.NewManager(p, sandbox.WithURLRetry(3, delay))
	ctx := context.Background()
	handle, _ := m.Create(ctx, "", nil, time.Minute)
	_, _ = m.ResolveExternalURL(ctx, handle)

	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < delay {
		t.Errorf("first gap = %s, want >= %s", gap, delay)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 2*delay {
		t.Errorf("second gap = %s, want >= %s", gap, 2*delay)
	}
}

func TestManager_CreateAppliesDefaults(t *testing.T) {
	p := sandbox.NewMemoryProvider()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	m := sandbox.NewManager(p)
	handle, err := m.Create(context.Background(), "", map[string]string{"A": "1"}, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sb, ok := p.Sandbox(handle)
	if !ok {
		t.Fatalf("Sandbox(%q) not found", handle)
	}
	if sb.TemplateID != sandbox.DefaultTemplateID {
		t.Errorf("TemplateID = %q, want %q", sb.TemplateID, sandbox.DefaultTemplateID)
	}
	if want := now.Add(sandbox.DefaultTTL); !sb.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %s, want %s", sb.ExpiresAt, want)
	}
	if sb.Env["A"] != "1" {
		t.Errorf("Env[A] = %q, want %q", sb.Env["A"], "1")
	}
}

func TestLookup_ExpiredSandboxUnavailable(t *testing.T) {
	p := sandbox.NewMemoryProvider()
	now := time.Now()
	p.SetClock(func() time.Time { return now })

	m := sandbox.NewManager(p)
	ctx := context.Background()
	handle, _ := m.Create(ctx, "", nil, time.Minute)

	sess, err := m.Lookup(ctx, handle)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := sess.RunCommand(ctx, "ls"); !errors.Is(err, sandbox.ErrSandboxUnavailable) {
		t.Errorf("RunCommand() after expiry error = %v, want ErrSandboxUnavailable", err)
	}
	if _, err := m.Lookup(ctx, handle); !errors.Is(err, sandbox.ErrSandboxUnavailable) {
		t.Errorf("Lookup() after expiry error = %v, want ErrSandboxUnavailable", err)
	}
}

func TestLookup_UnknownHandle(t *testing.T) {
	m := sandbox.NewManager(sandbox.NewMemoryProvider())
	if _, err := m.Lookup(context.Background(), "nope"); !errors.Is(err, sandbox.ErrSandboxUnavailable) {
		t.Errorf("Lookup() error = %v, want ErrSandboxUnavailable", err)
	}
	if _, err := m.Lookup(context.Background(), ""); !errors.Is(err, sandbox.ErrSandboxUnavailable) {
		t.Errorf("Lookup(\"\") error = %v, want ErrSandboxUnavailable", err)
	}
}

func TestBuildEnv(t *testing.T) {
	full := &models.HiveSource{
		ID:   "src-1",
		Name: "Sales",
		Type: models.SourceDataSpace,
		Path: "/api/v1/sales",
		Metadata: map[string]any{
			"spaceId":           "space-9",
			"virtualEndpointId": float64(42),
			"spacePath":         "/spaces/space-9",
		},
	}

	tests := []struct {
		name string
		in   sandbox.EnvInput
		want map[string]string
	}{
		{
			name: "empty input sets nothing",
			in:   sandbox.EnvInput{},
			want: map[string]string{},
		},
		{
			name: "default token and public url",
			in:   sandbox.EnvInput{DefaultToken: "env-token", PublicAPIURL: "https://api.example"},
			want: map[string]string{
				"MHIVE_API_TOKEN":           "env-token",
				"NEXT_PUBLIC_MHIVE_API_URL": "https://api.example",
			},
		},
		{
			name: "full source with data space",
			in: sandbox.EnvInput{
				Source:       full,
				DataSpace:    &models.DataSpaceSummary{EndpointURL: "https://api.example/execute"},
				Token:        "user-token",
				DefaultToken: "env-token",
			},
			want: map[string]string{
				"MHIVE_DATA_SOURCE_ID":        "src-1",
				"MHIVE_DATA_SOURCE_NAME":      "Sales",
				"MHIVE_DATA_SOURCE_TYPE":      "data-space",
				"MHIVE_DATA_SOURCE_PATH":      "/api/v1/sales",
				"MHIVE_DATA_SPACE_ID":         "space-9",
				"MHIVE_DATA_SPACE_VIRTUAL_ID": "42",
				"MHIVE_DATA_SPACE_BASE_PATH":  "/spaces/space-9",
				"MHIVE_DATA_SPACE_ENDPOINT":   "https://api.example/execute",
				"MHIVE_API_TOKEN":             "user-token",
			},
		},
		{
			name: "connection without metadata",
			in: sandbox.EnvInput{
				Source: &models.HiveSource{ID: "c-1", Type: models.SourceConnection},
			},
			want: map[string]string{
				"MHIVE_DATA_SOURCE_ID":   "c-1",
				"MHIVE_DATA_SOURCE_TYPE": "connection",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sandbox.BuildEnv(tt.in)
			if len(got) != len(tt.want) {
				t.Errorf("BuildEnv() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("BuildEnv()[%s] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}
