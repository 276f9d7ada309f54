package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/osvaldoandrade/validq/internal/providers"
	"github.com/osvaldoandrade/validq/pkg/domain"
	"github.com/osvaldoandrade/validq/pkg/persistence/memory"
)

func TestAdminServiceSeedsLocalProviders(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	identity := providers.NewRedisIdentityDirectory(rdb)
	ledger := providers.NewRedisStakeLedger(rdb, nil)
	cached := providers.NewCachedStakeLedger(ledger, rdb, time.Hour)
	admin := NewAdminService(identity, ledger, cached, slog.Default())

	if err := admin.RegisterAgent(ctx, domain.Agent{ID: agentID, Owner: owner, Operators: []domain.Address{operator}}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	got, err := identity.OwnerOf(ctx, agentID)
	if err != nil || got != owner {
		t.Fatalf("OwnerOf = %s, %v", got, err)
	}
	if ok, _ := identity.IsOperator(ctx, agentID, operator); !ok {
		t.Fatal("operator not registered")
	}

	if err := admin.SetStake(ctx, validator, 10, true); err != nil {
		t.Fatal(err)
	}
	if snap, _ := cached.StakeOf(ctx, validator); snap.Amount != 10 {
		t.Fatalf("stake = %d", snap.Amount)
	}
	// The cached snapshot is dropped when the stake changes.
	if err := admin.SetStake(ctx, validator, 20, false); err != nil {
		t.Fatal(err)
	}
	snap, _ := cached.StakeOf(ctx, validator)
	if snap.Amount != 20 || snap.Verified {
		t.Fatalf("snapshot after update = %+v", snap)
	}
}

func TestAdminServiceRejects(t *testing.T) {
	ctx := context.Background()
	readOnly := NewAdminService(nil, nil, nil, nil)
	if err := readOnly.RegisterAgent(ctx, domain.Agent{ID: agentID, Owner: owner}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("RegisterAgent on read-only directory = %v", err)
	}
	if err := readOnly.SetStake(ctx, owner, 1, true); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("SetStake on read-only ledger = %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	admin := NewAdminService(providers.NewRedisIdentityDirectory(rdb), providers.NewRedisStakeLedger(rdb, nil), nil, nil)
	if err := admin.RegisterAgent(ctx, domain.Agent{ID: agentID}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("agent without owner = %v", err)
	}
	if err := admin.SetStake(ctx, domain.ZeroAddress, 1, true); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero principal = %v", err)
	}
}

func TestAttestorService(t *testing.T) {
	ctx := context.Background()
	store := memory.New().AttestorStorage()
	svc := NewAttestorService(store, slog.Default())

	a1 := domain.MustParseAddress("0x00000000000000000000000000000000000000e2")
	a2 := domain.MustParseAddress("0x00000000000000000000000000000000000000e1")

	if _, err := svc.Add(ctx, domain.ZeroAddress, measurement, ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero address = %v", err)
	}
	if _, err := svc.Add(ctx, a1, domain.ZeroHash, ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("zero measurement = %v", err)
	}
	if _, err := svc.Add(ctx, a1, measurement, "sgx-eu"); err != nil {
		t.Fatal(err)
	}

	other := domain.Keccak256([]byte("enclave-v2"))
	n, err := svc.Seed(ctx, []domain.TrustedAttestor{
		{Address: a1, Measurement: other},
		{Address: a2, Measurement: other, Label: "seeded"},
	})
	if err != nil || n != 1 {
		t.Fatalf("Seed = %d, %v", n, err)
	}
	got, _ := store.GetAttestor(ctx, a1)
	if got.Measurement != measurement {
		t.Fatal("seeding overwrote an existing attestor")
	}

	list, err := svc.List(ctx)
	if err != nil || len(list) != 2 || list[0].Address != a2 {
		t.Fatalf("List = %+v, %v", list, err)
	}

	if err := svc.Remove(ctx, a1); err != nil {
		t.Fatal(err)
	}
	if err := svc.Remove(ctx, a1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second remove = %v", err)
	}
}
