package cli

import "testing"

func TestMockSettingsFromEnv(t *testing.T) {
	defaults := mockSettingsFromEnv(func(string) (string, bool) { return "", false })
	if defaults.sseAddr != defaultMockSSEAddr || defaults.httpAddr != defaultMockHTTPAddr || !defaults.enableStdio {
		t.Fatalf("unexpected defaults %#v", defaults)
	}

	env := map[string]string{
		"MOCK_SSE_ADDR":     "127.0.0.1:0",
		"MOCK_HTTP_ADDR":    "",
		"MOCK_ENABLE_STDIO": "False",
	}
	settings := mockSettingsFromEnv(func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if settings.sseAddr != "127.0.0.1:0" {
		t.Fatalf("expected sse override, got %q", settings.sseAddr)
	}
	if settings.httpAddr != "" {
		t.Fatalf("expected empty http addr to disable the listener, got %q", settings.httpAddr)
	}
	if settings.enableStdio {
		t.Fatalf("expected stdio disabled")
	}
}
