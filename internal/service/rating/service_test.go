package rating_test

import (
	"testing"

	"quizrank/internal/service/rating"
)

func twoPlayerMatch(skillA, skillB, gamesA, gamesB, scoreA, scoreB int) []rating.PlayerResult {
	return []rating.PlayerResult{
		{ID: "a", Skill: skillA, Score: scoreA, Placement: 1, GamesPlayed: gamesA},
		{ID: "b", Skill: skillB, Score: scoreB, Placement: 2, GamesPlayed: gamesB},
	}
}

func TestWinnerGainsAndCloseLossDamped(t *testing.T) {
	svc := rating.NewService()
	match := twoPlayerMatch(1000, 1000, 0, 0, 150, 140)

	winner := svc.Delta(match[0], match)
	if winner <= 0 {
		t.Fatalf("1st place delta must be strictly positive, got %d", winner)
	}

	loser := svc.Delta(match[1], match)
	if loser >= 0 {
		t.Fatalf("2nd place delta must be negative, got %d", loser)
	}
	// 140/150 is past the proximity threshold, so the penalty must stay below
	// the undamped K*(actual-expected) = 16 baseline.
	if -loser >= 16 {
		t.Fatalf("close loss not damped: got %d, want magnitude < 16", loser)
	}
}

func TestCalibrationBoostsNewPlayers(t *testing.T) {
	svc := rating.NewService()

	fresh := twoPlayerMatch(1000, 1000, 20, 0, 150, 140)
	seasoned := twoPlayerMatch(1000, 1000, 20, 20, 150, 140)

	freshLoss := svc.Delta(fresh[1], fresh)
	seasonedLoss := svc.Delta(seasoned[1], seasoned)

	if -freshLoss <= -seasonedLoss {
		t.Fatalf("calibrating player should swing harder: fresh=%d seasoned=%d", freshLoss, seasonedLoss)
	}
}

func TestUpsetBoostsWinner(t *testing.T) {
	svc := rating.NewService()

	upset := twoPlayerMatch(1000, 1400, 20, 20, 150, 140)
	even := twoPlayerMatch(1000, 1000, 20, 20, 150, 140)

	upsetWin := svc.Delta(upset[0], upset)
	evenWin := svc.Delta(even[0], even)

	if upsetWin <= evenWin {
		t.Fatalf("upset win must outgain an even win: upset=%d even=%d", upsetWin, evenWin)
	}
}

func TestUpsetPenalizesFavorite(t *testing.T) {
	svc := rating.NewService()

	upset := twoPlayerMatch(1000, 1400, 20, 20, 150, 40)
	even := []rating.PlayerResult{
		{ID: "a", Skill: 1400, Score: 150, Placement: 1, GamesPlayed: 20},
		{ID: "b", Skill: 1400, Score: 40, Placement: 2, GamesPlayed: 20},
	}

	favoriteLoss := svc.Delta(upset[1], upset)
	evenLoss := svc.Delta(even[1], even)

	if favoriteLoss >= evenLoss {
		t.Fatalf("favorite losing an upset must be hit harder: upset=%d even=%d", favoriteLoss, evenLoss)
	}
}

func TestTiedPlacementHalfScore(t *testing.T) {
	svc := rating.NewService()
	match := []rating.PlayerResult{
		{ID: "a", Skill: 1000, Score: 100, Placement: 1, GamesPlayed: 20},
		{ID: "b", Skill: 1000, Score: 100, Placement: 1, GamesPlayed: 20},
	}

	// Equal skill, tied placement: actual == expected, raw is exactly zero,
	// and the 1st-place zero rounds up to +1.
	if got := svc.Delta(match[0], match); got != 1 {
		t.Fatalf("tied 1st place at equal skill should floor to +1, got %d", got)
	}
}

func TestZeroFloorKeepsSign(t *testing.T) {
	svc := rating.NewService()
	// Huge mismatch, expected outcome: the weighted contribution rounds to
	// zero but the raw result is non-zero and negative for the loser.
	match := []rating.PlayerResult{
		{ID: "a", Skill: 2000, Score: 150, Placement: 1, GamesPlayed: 50},
		{ID: "b", Skill: 900, Score: 10, Placement: 2, GamesPlayed: 50},
	}

	loser := svc.Delta(match[1], match)
	if loser != -1 {
		// Non-zero raw must never round away entirely.
		if loser == 0 {
			t.Fatalf("zero-floor violated: got 0 for a non-zero raw result")
		}
		if loser > 0 {
			t.Fatalf("expected-outcome loss must not be positive, got %d", loser)
		}
	}
}

func TestDeltasCoversEveryPlayer(t *testing.T) {
	svc := rating.NewService()
	match := []rating.PlayerResult{
		{ID: "a", Skill: 1100, Score: 150, Placement: 1, GamesPlayed: 5},
		{ID: "b", Skill: 1000, Score: 120, Placement: 2, GamesPlayed: 8},
		{ID: "c", Skill: 950, Score: 80, Placement: 3, GamesPlayed: 30},
	}

	deltas := svc.Deltas(match)
	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d", len(deltas))
	}
	if deltas["a"] <= 0 {
		t.Fatalf("winner delta should be positive, got %d", deltas["a"])
	}
	if deltas["c"] >= 0 {
		t.Fatalf("last place delta should be negative, got %d", deltas["c"])
	}
}
