package queue

import (
	"context"
	"testing"
	"time"

	"quizrank/internal/config"
	"quizrank/internal/identity"
	appErr "quizrank/pkg/errors"

	"github.com/redis/go-redis/v9"
)

func TestDecideCountdownStartsAtThreshold(t *testing.T) {
	now := time.Now()
	if got := decideCountdown(2, 2, nil, now); got != countdownStart {
		t.Fatalf("threshold met without deadline must start, got %v", got)
	}
	if got := decideCountdown(5, 2, nil, now); got != countdownStart {
		t.Fatalf("above threshold without deadline must start, got %v", got)
	}
}

func TestDecideCountdownIdleBelowThreshold(t *testing.T) {
	now := time.Now()
	if got := decideCountdown(1, 2, nil, now); got != countdownNone {
		t.Fatalf("below threshold without deadline must do nothing, got %v", got)
	}
	if got := decideCountdown(0, 2, nil, now); got != countdownNone {
		t.Fatalf("empty queue without deadline must do nothing, got %v", got)
	}
}

func TestDecideCountdownClearsWhenQueueDrains(t *testing.T) {
	now := time.Now()
	deadline := now.Add(10 * time.Second)
	if got := decideCountdown(1, 2, &deadline, now); got != countdownClear {
		t.Fatalf("draining below threshold must clear the countdown, got %v", got)
	}

	// Even an elapsed deadline never pops a short queue.
	elapsed := now.Add(-time.Second)
	if got := decideCountdown(1, 2, &elapsed, now); got != countdownClear {
		t.Fatalf("elapsed deadline with too few players must clear, got %v", got)
	}
}

func TestDecideCountdownPopsOnlyAfterDeadline(t *testing.T) {
	now := time.Now()
	pending := now.Add(5 * time.Second)
	if got := decideCountdown(3, 2, &pending, now); got != countdownNone {
		t.Fatalf("running countdown must not pop early, got %v", got)
	}

	elapsed := now.Add(-time.Millisecond)
	if got := decideCountdown(3, 2, &elapsed, now); got != countdownPop {
		t.Fatalf("elapsed countdown with threshold met must pop, got %v", got)
	}
	if got := decideCountdown(2, 2, &now, now); got != countdownPop {
		t.Fatalf("deadline exactly now counts as elapsed, got %v", got)
	}
}

func setupQueueService(t *testing.T) (*redis.Client, *Service) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available:", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() { client.Close() })

	svc := NewService(client, nil, nil, Config{
		Countdown:    time.Minute,
		HeartbeatTTL: time.Minute,
		MinPlayers:   2,
	}, []config.CategoryConfig{{Tag: "GP_FR"}, {Tag: "GP_EN"}})
	return client, svc
}

func testEntry(userID int64, nickname string, joinedAt time.Time) Entry {
	return Entry{
		UserID:   userID,
		Nickname: nickname,
		Identity: identity.Identity{Provider: identity.ProviderGuest, Username: nickname},
		Skill:    1000,
		JoinedAt: joinedAt,
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	client, svc := setupQueueService(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, testEntry(1, "Ace", time.Now()), "GP_FR"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.Join(ctx, testEntry(1, "Ace", time.Now()), "GP_FR"); err != nil {
		t.Fatalf("re-join: %v", err)
	}

	count, err := client.ZCard(ctx, buildQueueKey("GP_FR")).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if count != 1 {
		t.Fatalf("re-join must not duplicate the entry, got %d", count)
	}
}

func TestJoinMovesBetweenCategories(t *testing.T) {
	client, svc := setupQueueService(t)
	ctx := context.Background()

	if _, err := svc.Join(ctx, testEntry(1, "Ace", time.Now()), "GP_FR"); err != nil {
		t.Fatalf("join GP_FR: %v", err)
	}
	status, err := svc.Join(ctx, testEntry(1, "Ace", time.Now()), "GP_EN")
	if err != nil {
		t.Fatalf("join GP_EN: %v", err)
	}
	if status.Category != "GP_EN" {
		t.Fatalf("status must follow the move: %+v", status)
	}

	if n, _ := client.ZCard(ctx, buildQueueKey("GP_FR")).Result(); n != 0 {
		t.Fatalf("old category must be left on move, got %d entries", n)
	}
	if n, _ := client.ZCard(ctx, buildQueueKey("GP_EN")).Result(); n != 1 {
		t.Fatalf("new category must hold the entry, got %d", n)
	}
}

func TestJoinUnknownCategory(t *testing.T) {
	_, svc := setupQueueService(t)
	if _, err := svc.Join(context.Background(), testEntry(1, "Ace", time.Now()), "NOPE"); err != appErr.ErrCategoryUnknown {
		t.Fatalf("unknown category must be rejected, got %v", err)
	}
}

func TestLeaveBelowThresholdClearsCountdown(t *testing.T) {
	client, svc := setupQueueService(t)
	ctx := context.Background()

	if err := svc.Leave(ctx, 1); err != appErr.ErrNotQueued {
		t.Fatalf("leaving while idle must fail, got %v", err)
	}

	svc.Join(ctx, testEntry(1, "Ace", time.Now()), "GP_FR")
	svc.Join(ctx, testEntry(2, "Hyce", time.Now()), "GP_FR")
	client.Set(ctx, buildCountdownKey("GP_FR"), time.Now().Add(time.Minute).UnixMilli(), 0)

	if err := svc.Leave(ctx, 2); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if exists, _ := client.Exists(ctx, buildCountdownKey("GP_FR")).Result(); exists != 0 {
		t.Fatal("dropping below the threshold must clear the countdown")
	}
	if n, _ := client.ZCard(ctx, buildQueueKey("GP_FR")).Result(); n != 1 {
		t.Fatalf("remaining player must stay queued, got %d", n)
	}
}

func TestHeartbeatRequiresQueuedUser(t *testing.T) {
	_, svc := setupQueueService(t)
	ctx := context.Background()

	if err := svc.Heartbeat(ctx, 1); err != appErr.ErrNotQueued {
		t.Fatalf("heartbeat while idle must fail, got %v", err)
	}
	svc.Join(ctx, testEntry(1, "Ace", time.Now()), "GP_FR")
	if err := svc.Heartbeat(ctx, 1); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

func TestTryPopMatchRefusesBeforeDeadline(t *testing.T) {
	client, svc := setupQueueService(t)
	ctx := context.Background()

	svc.Join(ctx, testEntry(1, "Ace", time.Now()), "GP_FR")
	svc.Join(ctx, testEntry(2, "Hyce", time.Now()), "GP_FR")

	// No countdown at all.
	if _, err := svc.TryPopMatch(ctx, "GP_FR"); err != appErr.ErrQueueNotReady {
		t.Fatalf("pop without a countdown must refuse, got %v", err)
	}
	// Countdown still running.
	client.Set(ctx, buildCountdownKey("GP_FR"), time.Now().Add(time.Minute).UnixMilli(), 0)
	if _, err := svc.TryPopMatch(ctx, "GP_FR"); err != appErr.ErrQueueNotReady {
		t.Fatalf("pop before the deadline must refuse, got %v", err)
	}
	if n, _ := client.ZCard(ctx, buildQueueKey("GP_FR")).Result(); n != 2 {
		t.Fatalf("refused pop must leave the queue intact, got %d", n)
	}
}

func TestTryPopMatchDrainsAfterDeadline(t *testing.T) {
	client, svc := setupQueueService(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	svc.Join(ctx, testEntry(1, "Ace", base), "GP_FR")
	svc.Join(ctx, testEntry(2, "Hyce", base.Add(time.Second)), "GP_FR")
	client.Set(ctx, buildCountdownKey("GP_FR"), time.Now().Add(-time.Second).UnixMilli(), 0)

	entries, err := svc.TryPopMatch(ctx, "GP_FR")
	if err != nil {
		t.Fatalf("pop after the deadline: %v", err)
	}
	if len(entries) != 2 || entries[0].UserID != 1 || entries[1].UserID != 2 {
		t.Fatalf("pop must drain in join order: %+v", entries)
	}

	if n, _ := client.ZCard(ctx, buildQueueKey("GP_FR")).Result(); n != 0 {
		t.Fatalf("queue must be empty after pop, got %d", n)
	}
	if exists, _ := client.Exists(ctx, buildCountdownKey("GP_FR")).Result(); exists != 0 {
		t.Fatal("countdown must be cleared by the pop")
	}
	if exists, _ := client.Exists(ctx, buildUserKey(1), buildUserKey(2)).Result(); exists != 0 {
		t.Fatal("reverse user keys must be cleared by the pop")
	}

	// Nothing left: the same pop cannot fire twice.
	if _, err := svc.TryPopMatch(ctx, "GP_FR"); err != appErr.ErrQueueNotReady {
		t.Fatalf("second pop must refuse, got %v", err)
	}
}

func TestSweepEvictsStaleEntriesBeforePop(t *testing.T) {
	client, svc := setupQueueService(t)
	ctx := context.Background()

	svc.Join(ctx, testEntry(1, "Ace", time.Now()), "GP_FR")
	svc.Join(ctx, testEntry(2, "Hyce", time.Now()), "GP_FR")
	// User 2's heartbeat key expired: the member is stale.
	client.Del(ctx, buildMemberKey("GP_FR", 2))
	client.Set(ctx, buildCountdownKey("GP_FR"), time.Now().Add(-time.Second).UnixMilli(), 0)

	if err := svc.sweep(ctx, "GP_FR"); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if n, _ := client.ZCard(ctx, buildQueueKey("GP_FR")).Result(); n != 1 {
		t.Fatalf("stale member must be evicted, got %d entries", n)
	}
	if exists, _ := client.Exists(ctx, buildUserKey(2)).Result(); exists != 0 {
		t.Fatal("evicted member's reverse key must be cleared")
	}
	// With one fresh player left the countdown is cleared, never popped.
	if exists, _ := client.Exists(ctx, buildCountdownKey("GP_FR")).Result(); exists != 0 {
		t.Fatal("sweep must clear the countdown instead of popping a short queue")
	}
	if exists, _ := client.Exists(ctx, buildMemberKey("GP_FR", 1)).Result(); exists != 1 {
		t.Fatal("fresh member must survive the sweep")
	}
}

func TestRollbackRequeuesEntries(t *testing.T) {
	client, svc := setupQueueService(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	svc.Join(ctx, testEntry(1, "Ace", base), "GP_FR")
	svc.Join(ctx, testEntry(2, "Hyce", base.Add(time.Second)), "GP_FR")
	client.Set(ctx, buildCountdownKey("GP_FR"), time.Now().Add(-time.Second).UnixMilli(), 0)

	entries, err := svc.TryPopMatch(ctx, "GP_FR")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}

	svc.Rollback(ctx, "GP_FR", entries)

	if n, _ := client.ZCard(ctx, buildQueueKey("GP_FR")).Result(); n != 2 {
		t.Fatalf("rollback must restore every entry, got %d", n)
	}
	status, err := svc.Status(ctx, 1)
	if err != nil {
		t.Fatalf("status after rollback: %v", err)
	}
	if status.State != QueueStateQueued || status.Position != 1 {
		t.Fatalf("rolled-back entry must keep its join order: %+v", status)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.Countdown != 30*time.Second {
		t.Fatalf("default countdown wrong: %v", cfg.Countdown)
	}
	if cfg.HeartbeatTTL <= cfg.SweepInterval {
		t.Fatal("heartbeat TTL must outlast the sweep interval")
	}
	if cfg.MinPlayers != 2 {
		t.Fatalf("default min players wrong: %d", cfg.MinPlayers)
	}
}
