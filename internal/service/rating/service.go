package rating

import "math"

// Tuning constants. DecayScale softens mismatched duels; UpsetGapThreshold is
// the skill gap past which an upset overrides the weight entirely.
const (
	KFactor               = 32.0
	DecayScale            = 400.0
	UpsetGapThreshold     = 300.0
	CalibrationGames      = 10
	CalibrationMultiplier = 1.5
	ScoreProximityRatio   = 0.8
	MinLossDamping        = 0.5
)

// PlayerResult is the per-player input to a rating calculation, assembled
// from persisted state plus the match outcome. Placement is 1-based; lower
// places better.
type PlayerResult struct {
	ID          string
	Skill       int
	Score       int
	Placement   int
	GamesPlayed int
	WinStreak   int
}

// Service computes rating deltas. Stateless; exists so callers can inject it
// the same way as the other services.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Delta returns the rating change for one player given everyone in the match.
// Pairwise accumulation over every opponent: each duel contributes
// weight*K*(actual-expected), weights normalized across duels.
func (s *Service) Delta(player PlayerResult, all []PlayerResult) int {
	var sum, weightSum float64

	for _, opp := range all {
		if opp.ID == player.ID {
			continue
		}

		gap := math.Abs(float64(player.Skill - opp.Skill))
		expected := expectedScore(float64(player.Skill), float64(opp.Skill))
		actual := actualScore(player.Placement, opp.Placement)

		if isUpset(player, opp, actual, gap) {
			// A favorite losing far down, or an underdog winning far up:
			// full weight, magnitude boosted quadratically with the gap.
			boost := (gap / UpsetGapThreshold) * (gap / UpsetGapThreshold)
			sum += KFactor * (actual - expected) * boost
			weightSum += 1.0
			continue
		}

		weight := math.Exp(-gap / DecayScale)
		sum += weight * KFactor * (actual - expected)
		weightSum += weight
	}

	if weightSum == 0 {
		return 0
	}

	raw := sum / weightSum
	if player.GamesPlayed < CalibrationGames {
		raw *= CalibrationMultiplier
	}
	if raw < 0 {
		raw *= lossDamping(player, all)
	}

	delta := int(math.Round(raw))
	if delta == 0 {
		// Zero-floor: a non-zero raw result never rounds away entirely.
		if player.Placement == 1 {
			return 1
		}
		if raw > 0 {
			return 1
		}
		if raw < 0 {
			return -1
		}
	}
	return delta
}

func expectedScore(skill, oppSkill float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (oppSkill-skill)/400.0))
}

func actualScore(place, oppPlace int) float64 {
	switch {
	case place < oppPlace:
		return 1.0
	case place > oppPlace:
		return 0.0
	default:
		return 0.5
	}
}

func isUpset(player, opp PlayerResult, actual, gap float64) bool {
	if gap <= UpsetGapThreshold {
		return false
	}
	wonAsUnderdog := actual == 1.0 && player.Skill < opp.Skill
	lostAsFavorite := actual == 0.0 && player.Skill > opp.Skill
	return wonAsUnderdog || lostAsFavorite
}

// lossDamping shrinks a penalty when the losing score was close to the
// winning one. The excuse shrinks again when the loser was the skill
// favorite.
func lossDamping(player PlayerResult, all []PlayerResult) float64 {
	winningScore := 0
	var oppSkillSum float64
	var oppCount int
	for _, p := range all {
		if p.Score > winningScore {
			winningScore = p.Score
		}
		if p.ID != player.ID {
			oppSkillSum += float64(p.Skill)
			oppCount++
		}
	}
	if winningScore <= 0 || oppCount == 0 {
		return 1.0
	}

	ratio := float64(player.Score) / float64(winningScore)
	if ratio <= ScoreProximityRatio {
		return 1.0
	}

	closeness := (ratio - ScoreProximityRatio) / (1.0 - ScoreProximityRatio)
	factor := 1.0 - (1.0-MinLossDamping)*math.Sqrt(closeness)
	if factor < MinLossDamping {
		factor = MinLossDamping
	}

	avgOppSkill := oppSkillSum / float64(oppCount)
	if float64(player.Skill) > avgOppSkill {
		// Favorites get less excuse for a close-but-losing score.
		pull := (float64(player.Skill) - avgOppSkill) / DecayScale
		if pull > 1.0 {
			pull = 1.0
		}
		factor += (1.0 - factor) * pull
	}
	return factor
}

// Deltas computes every player's delta for one match.
func (s *Service) Deltas(all []PlayerResult) map[string]int {
	out := make(map[string]int, len(all))
	for _, p := range all {
		out[p.ID] = s.Delta(p, all)
	}
	return out
}
