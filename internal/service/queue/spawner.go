package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"quizrank/internal/platform"
	"quizrank/internal/service/roster"
	pkgAuth "quizrank/pkg/auth"
	"quizrank/pkg/logger"
	"quizrank/pkg/utils/random"

	"go.uber.org/zap"
)

// BotSpawner reserves a room on the platform and starts one matchbot process
// for it. The bot joins the reserved room instead of creating its own so the
// pending-match bookkeeping knows the room code up front.
type BotSpawner struct {
	api         *platform.RoomAPI
	binary      string
	configPath  string
	callbackURL string
	gameType    string
}

func NewBotSpawner(apiBase, binary, configPath, callbackURL, gameType string) *BotSpawner {
	return &BotSpawner{
		api:         platform.NewRoomAPI(apiBase),
		binary:      binary,
		configPath:  configPath,
		callbackURL: callbackURL,
		gameType:    gameType,
	}
}

func (b *BotSpawner) Spawn(ctx context.Context, category string, players []Entry) (string, int, error) {
	// Short random suffix keeps concurrent rooms for one category apart in
	// the platform's room list.
	name := fmt.Sprintf("QuizRank %s #%s", category, random.Code(4))
	info, err := b.api.CreateRoom(ctx, b.gameType, name, false)
	if err != nil {
		return "", 0, err
	}

	expected := make([]roster.ExpectedPlayer, 0, len(players))
	for _, p := range players {
		expected = append(expected, roster.ExpectedPlayer{
			UserID:   p.UserID,
			Identity: p.Identity,
			Skill:    p.Skill,
		})
	}
	rosterJSON, err := json.Marshal(expected)
	if err != nil {
		return "", 0, err
	}

	token, err := pkgAuth.GenerateBotToken(0)
	if err != nil {
		return "", 0, err
	}

	cmd := exec.Command(b.binary,
		"-config", b.configPath,
		"-room", info.Code,
		"-category", category,
		"-roster", string(rosterJSON),
		"-callback", b.callbackURL,
		"-token", token,
	)
	if err := cmd.Start(); err != nil {
		return "", 0, err
	}

	// Reap the child; its exit status is informational, the callback (or the
	// lack of one) is the real completion signal.
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Log.Warn("matchbot exited with error",
				zap.String("roomCode", info.Code),
				zap.Error(err),
			)
		}
	}()

	return info.Code, cmd.Process.Pid, nil
}
