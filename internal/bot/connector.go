package bot

import (
	"context"

	"quizrank/internal/platform"
)

// platformConnector backs the session with the real platform client.
type platformConnector struct {
	api *platform.RoomAPI
}

func NewPlatformConnector(apiBase string) Connector {
	return &platformConnector{api: platform.NewRoomAPI(apiBase)}
}

func (c *platformConnector) CreateRoom(ctx context.Context, gameType, name string, public bool) (platform.RoomInfo, error) {
	return c.api.CreateRoom(ctx, gameType, name, public)
}

func (c *platformConnector) FindRoom(ctx context.Context, code string) (platform.RoomInfo, error) {
	return c.api.FindRoom(ctx, code)
}

func (c *platformConnector) DialLobby(ctx context.Context, server string) (Channel, error) {
	return platform.Dial(ctx, server, "lobby")
}

func (c *platformConnector) DialGame(ctx context.Context, server string) (Channel, error) {
	return platform.Dial(ctx, server, "game")
}
