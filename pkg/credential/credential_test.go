package credential

import (
	"context"
	"testing"
	"time"

	"github.com/devco/imgrelay/pkg/store"
)

func testCredentials() []Credential {
	return []Credential{
		{ID: "cred-a", APIKey: "key-a", Limits: Limits{RequestsPerMinute: 10, RequestsPerDay: 1000, TokensPerMinute: 10000}},
		{ID: "cred-b", APIKey: "key-b", Limits: Limits{RequestsPerMinute: 10, RequestsPerDay: 1000, TokensPerMinute: 10000}},
	}
}

func TestSelectCredential_PicksAvailableCredential(t *testing.T) {
	ctx := context.Background()
	r := NewRotator(store.NewMemoryStore(), testCredentials())

	sel, err := r.SelectCredential(ctx)
	if err != nil {
		t.Fatalf("SelectCredential: %v", err)
	}
	if sel == nil {
		t.Fatal("expected a credential, got nil")
	}
}

func TestSelectCredential_ReturnsNilWhenAllFailed(t *testing.T) {
	ctx := context.Background()
	creds := testCredentials()
	r := NewRotator(store.NewMemoryStore(), creds)

	for _, c := range creds {
		if err := r.MarkFailed(ctx, Selected{Credential: c}, time.Second); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	}

	sel, err := r.SelectCredential(ctx)
	if err != nil {
		t.Fatalf("SelectCredential: %v", err)
	}
	if sel != nil {
		t.Fatalf("expected nil, got %+v", sel)
	}
}

func TestRecordUsage_DisablesOnRPMBreach(t *testing.T) {
	ctx := context.Background()
	cred := Credential{ID: "cred-a", Limits: Limits{RequestsPerMinute: 2, RequestsPerDay: 1000, TokensPerMinute: 1000}}
	r := NewRotator(store.NewMemoryStore(), []Credential{cred})
	sel := Selected{Credential: cred}

	for i := 0; i < 2; i++ {
		available, err := r.RecordUsage(ctx, sel, 0)
		if err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
		if !available {
			t.Fatalf("credential disabled too early at iteration %d", i)
		}
	}

	available, err := r.RecordUsage(ctx, sel, 0)
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if available {
		t.Fatal("expected credential to be disabled after exceeding RPM limit")
	}

	statuses := r.Statuses(ctx)
	if len(statuses) != 1 || !statuses[0].Disabled {
		t.Fatalf("Statuses = %+v, want disabled", statuses)
	}
}

func TestMarkFailed_BackoffGrowsExponentially(t *testing.T) {
	ctx := context.Background()
	cred := Credential{ID: "cred-a"}
	r := NewRotator(store.NewMemoryStore(), []Credential{cred})
	sel := Selected{Credential: cred}

	if err := r.MarkFailed(ctx, sel, time.Second); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	n, _ := r.store.Get(ctx, keyFailures(cred.ID))
	if n != "1" {
		t.Fatalf("failures = %q, want 1", n)
	}

	if err := r.MarkFailed(ctx, sel, time.Second); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	n, _ = r.store.Get(ctx, keyFailures(cred.ID))
	if n != "2" {
		t.Fatalf("failures = %q, want 2", n)
	}
}

func TestPow3(t *testing.T) {
	cases := map[int64]int64{0: 1, 1: 3, 2: 9, 3: 27}
	for n, want := range cases {
		if got := pow3(n); got != want {
			t.Errorf("pow3(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestCapacity_ZeroLimitMeansUnbounded(t *testing.T) {
	if c := capacity(100, 0); c != 1 {
		t.Errorf("capacity with zero limit = %v, want 1", c)
	}
}

func TestCapacity_ClampsAtZero(t *testing.T) {
	if c := capacity(150, 100); c != 0 {
		t.Errorf("capacity over limit = %v, want 0", c)
	}
}
