package bot

import (
	"testing"

	"quizrank/internal/platform"
)

func TestFingerprintDeterminism(t *testing.T) {
	a := Fingerprint("P", "T", "")
	b := Fingerprint("P", "T", "")
	if a != b {
		t.Fatalf("same inputs must fingerprint identically: %s vs %s", a, b)
	}

	if Fingerprint("P2", "T", "") == a {
		t.Fatal("changing the prompt must change the digest")
	}
	if Fingerprint("P", "T2", "") == a {
		t.Fatal("changing the text must change the digest")
	}
}

func TestFingerprintDiscriminatesImageFromText(t *testing.T) {
	asText := Fingerprint("P", "H", "")
	asImage := Fingerprint("P", "", "H")
	if asText == asImage {
		t.Fatal("an image content hash must not collide with identical literal text")
	}
}

func TestRecordAnswerTimeFirstReportWins(t *testing.T) {
	tracker := NewRoundTracker()
	tracker.StartRound(platform.ChallengePayload{RoundIndex: 1, Prompt: "P", Text: "T"})

	tracker.RecordAnswerTime(7, 1200)
	tracker.RecordAnswerTime(7, 3400) // intermediate re-report, ignored
	tracker.RecordAnswerTime(8, 0)    // invalid, ignored

	answers := tracker.CloseRound("T", nil)
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer row, got %d", len(answers))
	}
	if answers[0].PeerID != 7 || answers[0].ElapsedTime != 1200 {
		t.Fatalf("first report must win: %+v", answers[0])
	}
}

func TestCloseRoundFlushCompleteness(t *testing.T) {
	tracker := NewRoundTracker()
	tracker.StartRound(platform.ChallengePayload{RoundIndex: 2, Prompt: "P", Text: "T"})

	// 3 of 4 connected players answered.
	tracker.RecordAnswerTime(1, 900)
	tracker.RecordAnswerTime(2, 1500)
	tracker.RecordAnswerTime(3, 2100)

	answers := tracker.CloseRound("Paris", map[int]string{2: "paris"})
	if len(answers) != 3 {
		t.Fatalf("expected exactly 3 answer rows, got %d", len(answers))
	}
	for _, a := range answers {
		if a.PeerID == 4 {
			t.Fatal("player with no recorded time must not be flushed")
		}
		if a.RoundIndex != 2 {
			t.Fatalf("answer bound to wrong round: %+v", a)
		}
		switch a.PeerID {
		case 2:
			if a.PlayerAnswer != "paris" {
				t.Fatalf("reported answer text must be kept: %+v", a)
			}
		default:
			if a.PlayerAnswer != "Paris" {
				t.Fatalf("missing answer text must fall back to the correct answer: %+v", a)
			}
		}
	}

	if tracker.Current() != nil {
		t.Fatal("closing a round must clear the active challenge")
	}
	if again := tracker.CloseRound("Paris", nil); len(again) != 0 {
		t.Fatalf("closing twice must flush nothing, got %d rows", len(again))
	}
}
