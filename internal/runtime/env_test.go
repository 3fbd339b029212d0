package runtime

import "testing"

func TestParseEnvironmentKnownValues(t *testing.T) {
	cases := map[string]Environment{
		"development":  Development,
		" Production ": Production,
		"TESTING":      Testing,
	}
	for raw, want := range cases {
		got, ok := ParseEnvironment(raw)
		if !ok || got != want {
			t.Errorf("ParseEnvironment(%q) = %q, %v; want %q, true", raw, got, ok, want)
		}
	}
}

func TestParseEnvironmentUnknownDefaultsToDevelopment(t *testing.T) {
	got, ok := ParseEnvironment("staging")
	if ok {
		t.Fatal("expected ok=false for an unknown environment")
	}
	if got != Development {
		t.Fatalf("got = %q, want Development", got)
	}
}

func TestEnvPrefersAppEnvOverLegacyVar(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("ENVIRONMENT", "testing")
	if got := Env(); got != Production {
		t.Fatalf("Env() = %q, want production", got)
	}
}

func TestEnvFallsBackToLegacyVar(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("ENVIRONMENT", "testing")
	if got := Env(); got != Testing {
		t.Fatalf("Env() = %q, want testing", got)
	}
}

func TestPredicatesMatchEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("ENVIRONMENT", "")
	if !IsProduction() || IsDevelopment() || IsTesting() || IsDevelopmentOrTesting() {
		t.Fatal("predicates inconsistent with production environment")
	}
}
