package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

var (
	agentID  = domain.Keccak256([]byte("agent-1"))
	owner    = domain.MustParseAddress("0x00000000000000000000000000000000000000a1")
	operator = domain.MustParseAddress("0x00000000000000000000000000000000000000a2")
	stranger = domain.MustParseAddress("0x00000000000000000000000000000000000000ff")
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLocalUploaderUploadBytes(t *testing.T) {
	tmpDir := t.TempDir()
	uploader := NewLocalUploader(tmpDir)

	url, err := uploader.UploadBytes(context.Background(), "test/file.txt", "text/plain", []byte("test content"))
	if err != nil {
		t.Fatalf("UploadBytes failed: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("url = %q, want file:// prefix", url)
	}
	if want := "#keccak256=" + domain.Keccak256([]byte("test content")).String(); !strings.HasSuffix(url, want) {
		t.Fatalf("url = %q, want digest fragment %q", url, want)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, "test/file.txt"))
	if err != nil {
		t.Fatalf("Failed to read uploaded file: %v", err)
	}
	if string(content) != "test content" {
		t.Errorf("Expected content 'test content', got %s", string(content))
	}

	if _, err := uploader.UploadBytes(context.Background(), "test/file.txt", "text/plain", []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(tmpDir, "test"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "file.txt" {
		t.Fatalf("unexpected leftovers in upload dir: %v", entries)
	}
}

func TestLocalUploaderEvidencePath(t *testing.T) {
	tmpDir := t.TempDir()
	uploader := NewLocalUploader(tmpDir)
	h := domain.Keccak256([]byte("req"))

	if _, err := uploader.UploadBytes(context.Background(), EvidencePath(h, "dispute.json"), "application/json", []byte("{}")); err != nil {
		t.Fatalf("UploadBytes failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "evidence", h.String(), "dispute.json")); err != nil {
		t.Fatalf("evidence file missing: %v", err)
	}
}

func TestLocalUploaderRejectsTraversal(t *testing.T) {
	uploader := NewLocalUploader(t.TempDir())
	if _, err := uploader.UploadBytes(context.Background(), "../outside.txt", "text/plain", []byte("x")); err == nil {
		t.Fatal("expected traversal path to be rejected")
	}
}

func TestLocalUploaderDelete(t *testing.T) {
	tmpDir := t.TempDir()
	uploader := NewLocalUploader(tmpDir)
	ctx := context.Background()
	path := EvidencePath(domain.Keccak256([]byte("req")), "response.bin")

	if _, err := uploader.UploadBytes(ctx, path, "application/octet-stream", []byte("trace")); err != nil {
		t.Fatal(err)
	}
	if err := uploader.Delete(ctx, path); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, filepath.FromSlash(path))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("blob still present: %v", err)
	}
	if err := uploader.Delete(ctx, path); err != nil {
		t.Fatalf("deleting a missing blob: %v", err)
	}
	if err := uploader.Delete(ctx, "../outside.txt"); err == nil {
		t.Fatal("expected traversal path to be rejected")
	}
}

func TestRedisHealth(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	client := NewRedisProvider(RedisOptions{Addr: mr.Addr(), DB: 2})
	defer client.Close()

	ctx := context.Background()
	if err := (RedisHealth{Client: client}).Health(ctx); err != nil {
		t.Fatalf("Health() = %v", err)
	}
	mr.Close()
	if err := (RedisHealth{Client: client}).Health(ctx); err == nil {
		t.Fatal("expected health failure after redis shut down")
	}
	if err := (RedisHealth{}).Health(ctx); err == nil {
		t.Fatal("expected error without a client")
	}
}

func TestRedisIdentityDirectory(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()
	dir := NewRedisIdentityDirectory(rdb)

	if ok, err := dir.Exists(ctx, agentID); err != nil || ok {
		t.Fatalf("Exists(unregistered) = %v, %v", ok, err)
	}
	if _, err := dir.OwnerOf(ctx, agentID); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("OwnerOf(unregistered) err = %v", err)
	}
	if err := dir.Register(ctx, domain.Agent{ID: agentID}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Register(no owner) err = %v", err)
	}
	if err := dir.Register(ctx, domain.Agent{ID: agentID, Owner: owner, Operators: []domain.Address{operator}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if ok, _ := dir.Exists(ctx, agentID); !ok {
		t.Fatal("Exists = false after Register")
	}
	got, err := dir.OwnerOf(ctx, agentID)
	if err != nil || got != owner {
		t.Fatalf("OwnerOf = %v, %v", got, err)
	}
	for _, tc := range []struct {
		who  domain.Address
		want bool
	}{{owner, true}, {operator, true}, {stranger, false}} {
		ok, err := dir.IsOperator(ctx, agentID, tc.who)
		if err != nil || ok != tc.want {
			t.Errorf("IsOperator(%v) = %v, %v; want %v", tc.who, ok, err, tc.want)
		}
	}
}

func TestHTTPIdentityDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/agents/" + agentID.String():
			_ = json.NewEncoder(w).Encode(domain.Agent{ID: agentID, Owner: owner})
		case "/agents/" + domain.Keccak256([]byte("broken")).String():
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	dir := NewHTTPIdentityDirectory(srv.URL+"/", "k", time.Second)

	got, err := dir.OwnerOf(ctx, agentID)
	if err != nil || got != owner {
		t.Fatalf("OwnerOf = %v, %v", got, err)
	}
	if ok, err := dir.Exists(ctx, domain.Keccak256([]byte("nobody"))); err != nil || ok {
		t.Fatalf("Exists(unknown) = %v, %v", ok, err)
	}
	_, err = dir.OwnerOf(ctx, domain.Keccak256([]byte("broken")))
	if domain.KindOf(err) != domain.KindExternal {
		t.Fatalf("OwnerOf(broken) kind = %v, want external (%v)", domain.KindOf(err), err)
	}
}

func TestRedisStakeLedgerSlash(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	ledger := NewRedisStakeLedger(rdb, func() time.Time { return now })

	if err := ledger.SetStake(ctx, owner, 1_000, true); err != nil {
		t.Fatalf("SetStake: %v", err)
	}
	snap, err := ledger.StakeOf(ctx, owner)
	if err != nil {
		t.Fatalf("StakeOf: %v", err)
	}
	if snap.Amount != 1_000 || !snap.Verified || !snap.FreshAt.Equal(now) {
		t.Fatalf("snapshot = %+v", snap)
	}

	ev := domain.Keccak256([]byte("evidence-1"))
	got, err := ledger.RequestSlash(ctx, owner, 400, ev)
	if err != nil || got != 400 {
		t.Fatalf("RequestSlash = %d, %v; want 400", got, err)
	}
	// Same evidence does not slash twice.
	got, err = ledger.RequestSlash(ctx, owner, 400, ev)
	if err != nil || got != 400 {
		t.Fatalf("RequestSlash(repeat) = %d, %v; want 400", got, err)
	}
	snap, _ = ledger.StakeOf(ctx, owner)
	if snap.Amount != 600 {
		t.Fatalf("stake after slash = %d, want 600", snap.Amount)
	}

	// Capped at what is left.
	got, err = ledger.RequestSlash(ctx, owner, 5_000, domain.Keccak256([]byte("evidence-2")))
	if err != nil || got != 600 {
		t.Fatalf("RequestSlash(over) = %d, %v; want 600", got, err)
	}
	total, err := ledger.SlashedTotal(ctx)
	if err != nil || total != 1_000 {
		t.Fatalf("SlashedTotal = %d, %v; want 1000", total, err)
	}
}

func TestRedisStakeLedgerUnknownPrincipal(t *testing.T) {
	_, rdb := setupRedis(t)
	ledger := NewRedisStakeLedger(rdb, nil)

	snap, err := ledger.StakeOf(context.Background(), stranger)
	if err != nil || snap.Amount != 0 || snap.Verified {
		t.Fatalf("StakeOf(unknown) = %+v, %v", snap, err)
	}
	got, err := ledger.RequestSlash(context.Background(), stranger, 10, domain.Keccak256([]byte("e")))
	if err != nil || got != 0 {
		t.Fatalf("RequestSlash(unknown) = %d, %v", got, err)
	}
}

func TestHTTPStakeLedger(t *testing.T) {
	var slashBody slashRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/stakes/"+owner.String():
			_ = json.NewEncoder(w).Encode(domain.StakeSnapshot{Amount: 77, Verified: true})
		case r.Method == http.MethodPost && r.URL.Path == "/slashes":
			_ = json.NewDecoder(r.Body).Decode(&slashBody)
			_ = json.NewEncoder(w).Encode(slashResponse{Slashed: slashBody.Amount / 2})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	ledger := NewHTTPStakeLedger(srv.URL, "", time.Second)

	snap, err := ledger.StakeOf(ctx, owner)
	if err != nil || snap.Amount != 77 || snap.Principal != owner {
		t.Fatalf("StakeOf = %+v, %v", snap, err)
	}
	if ok, _ := ledger.IsVerified(ctx, owner); !ok {
		t.Fatal("IsVerified = false")
	}
	ev := domain.Keccak256([]byte("ev"))
	got, err := ledger.RequestSlash(ctx, owner, 100, ev)
	if err != nil || got != 50 {
		t.Fatalf("RequestSlash = %d, %v", got, err)
	}
	if slashBody.EvidenceHash != ev || slashBody.Principal != owner {
		t.Fatalf("slash body = %+v", slashBody)
	}
	if _, err := ledger.StakeOf(ctx, stranger); !errors.Is(err, domain.ErrDependency) {
		t.Fatalf("StakeOf(error status) err = %v", err)
	}
}

type countingLedger struct {
	StakeLedger
	reads int
}

func (c *countingLedger) StakeOf(ctx context.Context, p domain.Address) (domain.StakeSnapshot, error) {
	c.reads++
	return c.StakeLedger.StakeOf(ctx, p)
}

func TestCachedStakeLedger(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()
	clock := time.Unix(1_700_000_000, 0).UTC()
	base := NewRedisStakeLedger(rdb, func() time.Time { return clock })
	_ = base.SetStake(ctx, owner, 500, true)
	inner := &countingLedger{StakeLedger: base}
	cached := NewCachedStakeLedger(inner, rdb, time.Minute)

	first, err := cached.StakeOf(ctx, owner)
	if err != nil || first.Amount != 500 {
		t.Fatalf("StakeOf = %+v, %v", first, err)
	}
	clock = clock.Add(10 * time.Second)
	second, _ := cached.StakeOf(ctx, owner)
	if inner.reads != 1 {
		t.Fatalf("inner reads = %d, want 1", inner.reads)
	}
	if !second.FreshAt.Equal(first.FreshAt) {
		t.Fatalf("cached FreshAt = %v, want %v", second.FreshAt, first.FreshAt)
	}

	fresh, _ := cached.FreshStakeOf(ctx, owner)
	if !fresh.FreshAt.Equal(clock) {
		t.Fatalf("FreshStakeOf FreshAt = %v, want %v", fresh.FreshAt, clock)
	}

	if _, err := cached.RequestSlash(ctx, owner, 100, domain.Keccak256([]byte("x"))); err != nil {
		t.Fatalf("RequestSlash: %v", err)
	}
	if mr.Exists(cached.keyCache(owner)) {
		t.Fatal("cache entry survived a slash")
	}
	after, _ := cached.StakeOf(ctx, owner)
	if after.Amount != 400 {
		t.Fatalf("stake after slash = %d, want 400", after.Amount)
	}
}
