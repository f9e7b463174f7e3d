package bot

import (
	"context"
	"time"

	"quizrank/internal/config"
	"quizrank/internal/platform"
)

// RuleStep is one configuration command plus the settle delay the platform
// needs before the next command.
type RuleStep struct {
	Event   string
	Payload interface{}
	Settle  time.Duration
}

const (
	// Changing the dictionary resets the other settings server-side, so it
	// needs the longest settle and must always go first.
	dictionarySettle = 600 * time.Millisecond
	ruleSettle       = 300 * time.Millisecond
)

// BuildRuleSteps produces the fixed, ordered command sequence for a category:
// language first, then scoring mode, then duration, then tag filters, then
// lock. The order mirrors an observed side effect of the remote protocol and
// must not be changed.
func BuildRuleSteps(cat config.CategoryConfig, overrides *platform.Rules, tagOps []platform.TagOp, lock bool) []RuleStep {
	dictionary := cat.DictionaryID
	scoring := "hybrid"
	duration := cat.RoundDuration
	scoreGoal := cat.ScoreGoal
	if overrides != nil {
		if overrides.DictionaryID != nil {
			dictionary = *overrides.DictionaryID
		}
		if overrides.Scoring != nil {
			scoring = *overrides.Scoring
		}
		if overrides.ChallengeDuration != nil {
			duration = *overrides.ChallengeDuration
		}
		if overrides.ScoreGoal != nil {
			scoreGoal = *overrides.ScoreGoal
		}
	}

	steps := []RuleStep{
		{
			Event:   platform.EventSetRules,
			Payload: platform.Rules{DictionaryID: &dictionary},
			Settle:  dictionarySettle,
		},
		{
			Event:   platform.EventSetRules,
			Payload: platform.Rules{Scoring: &scoring},
			Settle:  ruleSettle,
		},
		{
			Event:   platform.EventSetRules,
			Payload: platform.Rules{ChallengeDuration: &duration, ScoreGoal: &scoreGoal},
			Settle:  ruleSettle,
		},
	}
	if len(tagOps) > 0 {
		steps = append(steps, RuleStep{
			Event:   platform.EventSetTagOps,
			Payload: tagOps,
			Settle:  ruleSettle,
		})
	}
	if lock {
		steps = append(steps, RuleStep{
			Event:   platform.EventSetRulesLocked,
			Payload: true,
		})
	}
	return steps
}

// RuleOverrides is the -rules spawn payload: partial rules plus optional tag
// filter operations replacing the category's own.
type RuleOverrides struct {
	platform.Rules
	TagOps []platform.TagOp `json:"tagOps,omitempty"`
}

// ResolveTagOps picks the override list when present, otherwise the
// category catalog's filters.
func ResolveTagOps(cat config.CategoryConfig, overrides []platform.TagOp) []platform.TagOp {
	if len(overrides) > 0 {
		return overrides
	}
	ops := make([]platform.TagOp, 0, len(cat.TagOps))
	for _, op := range cat.TagOps {
		ops = append(ops, platform.TagOp{Op: op.Op, Tag: op.Tag})
	}
	return ops
}

type ruleEmitter interface {
	Emit(event string, data interface{}) error
}

// ApplyRuleSteps executes the steps strictly in sequence, waiting out each
// settle delay before the next command. Cancelling the context stops the
// sequence between steps.
func ApplyRuleSteps(ctx context.Context, ch ruleEmitter, steps []RuleStep) error {
	for i, step := range steps {
		if err := ch.Emit(step.Event, step.Payload); err != nil {
			return err
		}
		if step.Settle <= 0 || i == len(steps)-1 {
			continue
		}
		timer := time.NewTimer(step.Settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}
