package platform

// Wire payloads for the quiz platform's two channels. Field names follow the
// remote protocol, not this codebase's conventions.

// AuthInfo is the identity bag a player connects with. Service is empty for
// guests; Username is only set for platform-native accounts.
type AuthInfo struct {
	Service  string `json:"service,omitempty"`
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

type PlayerInfo struct {
	PeerID   int       `json:"peerId"`
	Nickname string    `json:"nickname"`
	Auth     *AuthInfo `json:"auth,omitempty"`
	Points   int       `json:"points"`
	Online   bool      `json:"online"`
}

// SetupPayload announces the session roster and the caller's own role.
type SetupPayload struct {
	SelfPeerID   int          `json:"selfPeerId"`
	LeaderPeerID int          `json:"leaderPeerId"`
	Players      []PlayerInfo `json:"players"`
	Milestone    Milestone    `json:"milestone"`
}

// Milestone is the platform's coarse game-progress marker. A milestone with a
// non-nil WinnerPeerID ends the match.
type Milestone struct {
	Name         string `json:"name"` // seating/round/results
	WinnerPeerID *int   `json:"winnerPeerId,omitempty"`
}

type AddPlayerPayload struct {
	Player PlayerInfo `json:"player"`
}

type ImageRef struct {
	Hash string `json:"hash"`
}

// ChallengePayload announces a new round.
type ChallengePayload struct {
	RoundIndex int       `json:"roundIndex"`
	Prompt     string    `json:"prompt"`
	Text       string    `json:"text,omitempty"`
	Image      *ImageRef `json:"image,omitempty"`
}

type PlayerState struct {
	Points         int   `json:"points"`
	HasFoundSource bool  `json:"hasFoundSource"`
	GuessTimeMs    int64 `json:"guessTime"`
}

type PlayerStatePayload struct {
	PeerID int         `json:"peerId"`
	State  PlayerState `json:"state"`
}

type PlayerAnswer struct {
	PeerID int    `json:"peerId"`
	Answer string `json:"answer,omitempty"`
}

// EndChallengePayload closes a round; Source is the declared correct answer.
type EndChallengePayload struct {
	Source  string         `json:"source"`
	Players []PlayerAnswer `json:"players,omitempty"`
}

type MilestonePayload struct {
	Milestone Milestone `json:"milestone"`
}

type ChatPayload struct {
	Nickname string `json:"nickname"`
	Message  string `json:"message"`
}

// Rules is a partial rule object; nil fields are left untouched by the
// platform. Changing DictionaryID resets the other settings server-side.
type Rules struct {
	DictionaryID      *string `json:"dictionaryId,omitempty"`
	Scoring           *string `json:"scoring,omitempty"`
	ChallengeDuration *int    `json:"challengeDuration,omitempty"`
	ScoreGoal         *int    `json:"scoreGoal,omitempty"`
}

type TagOp struct {
	Op  string `json:"op"` // add/remove
	Tag string `json:"tag"`
}

// Emit payloads.

type JoinRoomPayload struct {
	RoomCode string `json:"roomCode"`
	Nickname string `json:"nickname"`
}

type JoinRoomAck struct {
	SessionToken string `json:"sessionToken"`
}

type JoinGamePayload struct {
	GameType     string `json:"gameType"`
	RoomCode     string `json:"roomCode"`
	SessionToken string `json:"sessionToken"`
}

// Event names, both directions.
const (
	EventJoinRoom       = "joinRoom"
	EventChat           = "chat"
	EventChatterAdded   = "chatterAdded"
	EventJoinGame       = "joinGame"
	EventSetRules       = "setRules"
	EventSetRulesLocked = "setRulesLocked"
	EventSetTagOps      = "setTagOps"
	EventJoinRound      = "joinRound"
	EventStartRoundNow  = "startRoundNow"
	EventSetup          = "setup"
	EventAddPlayer      = "addPlayer"
	EventStartChallenge = "startChallenge"
	EventSetPlayerState = "setPlayerState"
	EventEndChallenge   = "endChallenge"
	EventSetMilestone   = "setMilestone"
)
