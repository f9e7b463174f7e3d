package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"quizrank/internal/config"
	"quizrank/internal/identity"
	"quizrank/internal/platform"
	"quizrank/internal/service/roster"
	"quizrank/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State names the orchestrator's finite-state machine positions.
type State string

const (
	StateCreatingRoom      State = "CREATING_ROOM"
	StateConnectingLobby   State = "CONNECTING_LOBBY"
	StateConnectingGame    State = "CONNECTING_GAME"
	StateAwaitingSetup     State = "AWAITING_SETUP"
	StateLeaderConfiguring State = "LEADER_CONFIGURING"
	StateSpectating        State = "SPECTATING"
	StateAwaitingRoster    State = "AWAITING_ROSTER"
	StateInProgress        State = "IN_PROGRESS"
	StateCompilingResult   State = "COMPILING_RESULT"
	StateTerminated        State = "TERMINATED"
	StateCancelled         State = "CANCELLED"
)

// Channel is one live connection to the platform. Satisfied by
// *platform.Channel; faked in tests.
type Channel interface {
	Emit(event string, data interface{}) error
	EmitAck(ctx context.Context, event string, data interface{}) (json.RawMessage, error)
	On(event string, fn func(json.RawMessage))
	Close() error
	Done() <-chan struct{}
}

// Connector abstracts room creation and the two channel dials.
type Connector interface {
	CreateRoom(ctx context.Context, gameType, name string, public bool) (platform.RoomInfo, error)
	FindRoom(ctx context.Context, code string) (platform.RoomInfo, error)
	DialLobby(ctx context.Context, server string) (Channel, error)
	DialGame(ctx context.Context, server string) (Channel, error)
}

// Options is the spawn contract plus tunables. Zero-valued durations get the
// production defaults.
type Options struct {
	Category  config.CategoryConfig
	Expected  []roster.ExpectedPlayer
	Overrides *platform.Rules
	TagOps    []platform.TagOp

	Nickname string
	GameType string
	RoomName string
	Public   bool
	RoomCode string // join an existing room instead of creating one

	StartedAt time.Time

	RosterWarn1    time.Duration
	RosterWarn2    time.Duration
	RosterDeadline time.Duration
	SettleDelay    time.Duration
	AckTimeout     time.Duration
	MinPlayers     int
}

func (o *Options) applyDefaults() {
	if o.RosterWarn1 <= 0 {
		o.RosterWarn1 = 30 * time.Second
	}
	if o.RosterWarn2 <= 0 {
		o.RosterWarn2 = 50 * time.Second
	}
	if o.RosterDeadline <= 0 {
		o.RosterDeadline = 60 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 2 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.MinPlayers <= 0 {
		o.MinPlayers = 2
	}
	if o.GameType == "" {
		o.GameType = "popsauce"
	}
	if o.Nickname == "" {
		o.Nickname = "QuizRank"
	}
}

type eventKind int

const (
	evSetup eventKind = iota
	evAddPlayer
	evStartChallenge
	evPlayerState
	evEndChallenge
	evMilestone
	evRosterWarn
	evRosterDeadline
	evRosterSettled
)

type sessionEvent struct {
	kind        eventKind
	warnAt      time.Duration
	setup       platform.SetupPayload
	player      platform.PlayerInfo
	challenge   platform.ChallengePayload
	playerState platform.PlayerStatePayload
	end         platform.EndChallengePayload
	milestone   platform.Milestone
}

// Session supervises one match end to end. All state is owned by the Run
// loop; channel handlers and timers only post events.
type Session struct {
	ID        string
	opts      Options
	connector Connector
	deliverer Deliverer

	state    State
	roomCode string
	server   string

	lobby Channel
	game  Channel

	selfPeerID int
	isLeader   bool
	ranked     bool

	connected  []roster.ConnectedPlayer // join order preserved
	unexpected map[int]bool

	tracker *RoundTracker
	answers []MatchAnswer

	events     chan sessionEvent
	timers     []*time.Timer
	rosterDone bool
	lobbyDead  bool
	startedAt  time.Time
	runCtx     context.Context
}

func NewSession(connector Connector, deliverer Deliverer, opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		ID:         uuid.NewString(),
		opts:       opts,
		connector:  connector,
		deliverer:  deliverer,
		state:      StateCreatingRoom,
		ranked:     len(opts.Expected) > 0,
		unexpected: make(map[int]bool),
		tracker:    NewRoundTracker(),
		events:     make(chan sessionEvent, 128),
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) RoomCode() string { return s.roomCode }

// Run drives the session to a terminal state. A nil return means a result or
// cancellation was delivered; any error is fatal and nothing was reported.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	if err := s.establish(ctx); err != nil {
		s.state = StateTerminated
		return err
	}
	defer s.closeChannels()
	return s.loop(ctx)
}

// establish walks CREATING_ROOM through AWAITING_SETUP. The game channel is
// opened strictly after the lobby join is acknowledged.
func (s *Session) establish(ctx context.Context) error {
	var info platform.RoomInfo
	var err error
	if s.opts.RoomCode != "" {
		info, err = s.connector.FindRoom(ctx, s.opts.RoomCode)
	} else {
		info, err = s.connector.CreateRoom(ctx, s.opts.GameType, s.opts.RoomName, s.opts.Public)
	}
	if err != nil {
		return fmt.Errorf("room setup: %w", err)
	}
	s.roomCode = info.Code
	s.server = info.Server

	logger.Log.Info("room ready",
		zap.String("sessionID", s.ID),
		zap.String("roomCode", s.roomCode),
		zap.String("server", s.server),
	)

	s.state = StateConnectingLobby
	lobby, err := s.connector.DialLobby(ctx, s.server)
	if err != nil {
		return err
	}
	s.lobby = lobby
	lobby.On(platform.EventChat, func(raw json.RawMessage) {
		var msg platform.ChatPayload
		if json.Unmarshal(raw, &msg) == nil {
			logger.Log.Debug("lobby chat", zap.String("from", msg.Nickname), zap.String("message", msg.Message))
		}
	})
	lobby.On(platform.EventChatterAdded, func(json.RawMessage) {})

	ackCtx, cancel := context.WithTimeout(ctx, s.opts.AckTimeout)
	ackRaw, err := lobby.EmitAck(ackCtx, platform.EventJoinRoom, platform.JoinRoomPayload{
		RoomCode: s.roomCode,
		Nickname: s.opts.Nickname,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("lobby join: %w", err)
	}
	var ack platform.JoinRoomAck
	if len(ackRaw) > 0 {
		_ = json.Unmarshal(ackRaw, &ack)
	}

	s.state = StateConnectingGame
	game, err := s.connector.DialGame(ctx, s.server)
	if err != nil {
		return err
	}
	s.game = game
	s.registerGameHandlers(game)

	if err := game.Emit(platform.EventJoinGame, platform.JoinGamePayload{
		GameType:     s.opts.GameType,
		RoomCode:     s.roomCode,
		SessionToken: ack.SessionToken,
	}); err != nil {
		return fmt.Errorf("game join: %w", err)
	}

	s.state = StateAwaitingSetup
	return nil
}

func (s *Session) registerGameHandlers(game Channel) {
	game.On(platform.EventSetup, func(raw json.RawMessage) {
		var p platform.SetupPayload
		if json.Unmarshal(raw, &p) == nil {
			s.post(sessionEvent{kind: evSetup, setup: p})
		}
	})
	game.On(platform.EventAddPlayer, func(raw json.RawMessage) {
		var p platform.AddPlayerPayload
		if json.Unmarshal(raw, &p) == nil {
			s.post(sessionEvent{kind: evAddPlayer, player: p.Player})
		}
	})
	game.On(platform.EventStartChallenge, func(raw json.RawMessage) {
		var p platform.ChallengePayload
		if json.Unmarshal(raw, &p) == nil {
			s.post(sessionEvent{kind: evStartChallenge, challenge: p})
		}
	})
	game.On(platform.EventSetPlayerState, func(raw json.RawMessage) {
		var p platform.PlayerStatePayload
		if json.Unmarshal(raw, &p) == nil {
			s.post(sessionEvent{kind: evPlayerState, playerState: p})
		}
	})
	game.On(platform.EventEndChallenge, func(raw json.RawMessage) {
		var p platform.EndChallengePayload
		if json.Unmarshal(raw, &p) == nil {
			s.post(sessionEvent{kind: evEndChallenge, end: p})
		}
	})
	game.On(platform.EventSetMilestone, func(raw json.RawMessage) {
		var p platform.MilestonePayload
		if json.Unmarshal(raw, &p) == nil {
			s.post(sessionEvent{kind: evMilestone, milestone: p.Milestone})
		}
	})
}

func (s *Session) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	default:
		logger.Log.Warn("session event dropped", zap.String("sessionID", s.ID))
	}
}

func (s *Session) loop(ctx context.Context) error {
	lobbyDone := s.lobby.Done()
	for {
		select {
		case <-ctx.Done():
			return s.cancel("terminated")
		case <-lobbyDone:
			// Losing the lobby only mutes the chat warnings; the match
			// itself lives on the game channel.
			lobbyDone = nil
			s.lobbyDead = true
			logger.Log.Warn("lobby channel closed, roster warnings disabled",
				zap.String("sessionID", s.ID),
				zap.String("roomCode", s.roomCode),
			)
		case <-s.game.Done():
			if s.state == StateCompilingResult || s.state == StateTerminated || s.state == StateCancelled {
				return nil
			}
			s.cancelTimers()
			last := s.state
			s.state = StateTerminated
			return fmt.Errorf("game channel closed in state %s", last)
		case ev := <-s.events:
			done, err := s.handle(ev)
			if done {
				return err
			}
		}
	}
}

func (s *Session) handle(ev sessionEvent) (bool, error) {
	switch ev.kind {
	case evSetup:
		s.handleSetup(ev.setup)
	case evAddPlayer:
		s.handleAddPlayer(ev.player)
	case evRosterWarn:
		s.handleRosterWarn(ev.warnAt)
	case evRosterDeadline:
		return s.handleRosterDeadline()
	case evRosterSettled:
		if s.state == StateAwaitingRoster {
			s.unlockRules()
			// Everyone expected is here, no point waiting out the
			// platform's own idle countdown.
			_ = s.game.Emit(platform.EventStartRoundNow, nil)
		}
	case evStartChallenge:
		s.handleStartChallenge(ev.challenge)
	case evPlayerState:
		s.handlePlayerState(ev.playerState)
	case evEndChallenge:
		s.handleEndChallenge(ev.end)
	case evMilestone:
		if ev.milestone.WinnerPeerID != nil {
			return true, s.compileResult()
		}
	}
	return false, nil
}

func (s *Session) handleSetup(p platform.SetupPayload) {
	s.selfPeerID = p.SelfPeerID
	s.isLeader = p.LeaderPeerID == p.SelfPeerID
	s.startedAt = s.opts.StartedAt
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}

	for _, pl := range p.Players {
		if pl.PeerID == s.selfPeerID {
			continue
		}
		s.addConnected(pl)
	}

	logger.Log.Info("session setup",
		zap.String("sessionID", s.ID),
		zap.String("roomCode", s.roomCode),
		zap.Bool("leader", s.isLeader),
		zap.Bool("ranked", s.ranked),
		zap.Int("players", len(s.connected)),
	)

	_ = s.game.Emit(platform.EventJoinRound, nil)

	if !s.isLeader {
		s.state = StateSpectating
		return
	}

	s.state = StateLeaderConfiguring
	// Lock only for ranked matches: the lock holds the platform's
	// auto-start until the roster gate opens.
	steps := BuildRuleSteps(s.opts.Category, s.opts.Overrides, s.opts.TagOps, s.ranked)
	go func() {
		if err := ApplyRuleSteps(s.runCtx, s.game, steps); err != nil {
			logger.Log.Warn("rule sequence aborted", zap.String("sessionID", s.ID), zap.Error(err))
		}
	}()

	if s.ranked {
		s.state = StateAwaitingRoster
		s.armRosterTimers()
		s.evaluateRoster()
	} else {
		s.state = StateSpectating
	}
}

func (s *Session) addConnected(pl platform.PlayerInfo) {
	for _, existing := range s.connected {
		if existing.PeerID == pl.PeerID {
			return
		}
	}

	id := identity.Identity{Provider: identity.ProviderGuest}
	if pl.Auth != nil {
		id = identity.Identity{
			Provider:  identity.FromService(pl.Auth.Service),
			ServiceID: pl.Auth.ID,
			Username:  pl.Auth.Username,
		}
	}
	cp := roster.ConnectedPlayer{
		PeerID:   pl.PeerID,
		Nickname: pl.Nickname,
		Identity: id,
		Score:    pl.Points,
	}
	s.connected = append(s.connected, cp)

	if s.ranked && roster.Resolve(s.opts.Expected, cp) < 0 {
		s.unexpected[pl.PeerID] = true
		logger.Log.Warn("unexpected player connected",
			zap.String("sessionID", s.ID),
			zap.Int("peerID", pl.PeerID),
			zap.String("nickname", pl.Nickname),
		)
	}
}

func (s *Session) handleAddPlayer(pl platform.PlayerInfo) {
	if pl.PeerID == s.selfPeerID {
		return
	}
	s.addConnected(pl)
	s.evaluateRoster()
}

func (s *Session) evaluateRoster() {
	if !s.ranked || s.rosterDone {
		return
	}
	if !roster.IsRosterComplete(s.opts.Expected, s.connected) {
		return
	}
	s.rosterDone = true
	s.cancelTimers()
	logger.Log.Info("roster complete",
		zap.String("sessionID", s.ID),
		zap.String("roomCode", s.roomCode),
	)
	// Short settle before unlocking so late rule commands land first.
	s.addTimer(time.AfterFunc(s.opts.SettleDelay, func() {
		s.post(sessionEvent{kind: evRosterSettled})
	}))
}

func (s *Session) armRosterTimers() {
	warn := func(at time.Duration) *time.Timer {
		return time.AfterFunc(at, func() {
			s.post(sessionEvent{kind: evRosterWarn, warnAt: at})
		})
	}
	s.addTimer(warn(s.opts.RosterWarn1))
	s.addTimer(warn(s.opts.RosterWarn2))
	s.addTimer(time.AfterFunc(s.opts.RosterDeadline, func() {
		s.post(sessionEvent{kind: evRosterDeadline})
	}))
}

func (s *Session) addTimer(t *time.Timer) {
	s.timers = append(s.timers, t)
}

// cancelTimers stops every pending lobby timer. Always called together; a
// leaked timer could fire into a dead session.
func (s *Session) cancelTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Session) handleRosterWarn(at time.Duration) {
	if s.rosterDone || s.state != StateAwaitingRoster {
		return
	}
	if s.lobbyDead {
		return
	}
	present := roster.CountConnected(s.opts.Expected, s.connected)
	remaining := s.opts.RosterDeadline - at
	msg := fmt.Sprintf("Waiting for players (%d/%d), starting or cancelling in %ds",
		present, len(s.opts.Expected), int(remaining/time.Second))
	if err := s.lobby.Emit(platform.EventChat, platform.ChatPayload{Message: msg}); err != nil {
		logger.Log.Warn("roster warning not delivered",
			zap.String("sessionID", s.ID),
			zap.Error(err),
		)
	}
}

func (s *Session) handleRosterDeadline() (bool, error) {
	if s.rosterDone || s.state != StateAwaitingRoster {
		return false, nil
	}
	present := roster.CountConnected(s.opts.Expected, s.connected)
	if present < s.opts.MinPlayers {
		logger.Log.Warn("roster shortfall at deadline",
			zap.String("sessionID", s.ID),
			zap.Int("present", present),
			zap.Int("minimum", s.opts.MinPlayers),
		)
		return true, s.cancel("insufficient players at roster deadline")
	}
	// Enough players: unlock and let the platform's own countdown finish
	// naturally, with whoever is present.
	s.rosterDone = true
	s.unlockRules()
	return false, nil
}

func (s *Session) unlockRules() {
	if s.state != StateAwaitingRoster {
		return
	}
	_ = s.game.Emit(platform.EventSetRulesLocked, false)
	logger.Log.Info("rules unlocked", zap.String("sessionID", s.ID), zap.String("roomCode", s.roomCode))
}

func (s *Session) handleStartChallenge(p platform.ChallengePayload) {
	s.cancelTimers()
	s.state = StateInProgress
	ch := s.tracker.StartRound(p)
	logger.Log.Debug("round started",
		zap.String("sessionID", s.ID),
		zap.Int("roundIndex", ch.RoundIndex),
		zap.String("fingerprint", ch.Fingerprint),
	)
}

func (s *Session) handlePlayerState(p platform.PlayerStatePayload) {
	for i := range s.connected {
		if s.connected[i].PeerID == p.PeerID {
			s.connected[i].Score = p.State.Points
			break
		}
	}
	if p.State.HasFoundSource {
		s.tracker.RecordAnswerTime(p.PeerID, p.State.GuessTimeMs)
	}
}

func (s *Session) handleEndChallenge(p platform.EndChallengePayload) {
	perPlayer := make(map[int]string, len(p.Players))
	for _, pa := range p.Players {
		if pa.Answer != "" {
			perPlayer[pa.PeerID] = pa.Answer
		}
	}
	s.answers = append(s.answers, s.tracker.CloseRound(p.Source, perPlayer)...)
}

// compileResult builds the terminal payload and attempts exactly one
// delivery. No retry: a failed delivery surfaces as a non-zero exit for the
// caller to reconcile.
func (s *Session) compileResult() error {
	s.cancelTimers()
	s.state = StateCompilingResult

	ordered := make([]roster.ConnectedPlayer, len(s.connected))
	copy(ordered, s.connected)
	// Descending score; join order breaks ties.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	scores := make([]ScoreEntry, 0, len(ordered))
	for i, p := range ordered {
		entry := ScoreEntry{
			Nickname:   p.Nickname,
			Score:      p.Score,
			Placement:  i + 1,
			Unexpected: s.unexpected[p.PeerID],
		}
		if p.Identity.Provider != identity.ProviderGuest {
			entry.Auth = &platform.AuthInfo{
				Service:  string(p.Identity.Provider),
				ID:       p.Identity.ServiceID,
				Username: p.Identity.Username,
			}
		}
		scores = append(scores, entry)
	}

	payload := ResultPayload{
		RoomCode:  s.roomCode,
		Scores:    scores,
		Answers:   s.answers,
		Category:  s.opts.Category.Tag,
		StartedAt: s.startedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res := s.deliverer.DeliverResult(ctx, payload)
	s.state = StateTerminated
	if !res.OK {
		return fmt.Errorf("result delivery failed (status %d): %v", res.Status, res.Err)
	}
	logger.Log.Info("result delivered",
		zap.String("sessionID", s.ID),
		zap.String("roomCode", s.roomCode),
		zap.Int("players", len(scores)),
	)
	return nil
}

// cancel clears all timers, reports the cancellation once and terminates.
// Reaching the store matters even when the run context is already dead, so
// delivery gets its own context.
func (s *Session) cancel(reason string) error {
	if s.state == StateTerminated || s.state == StateCancelled {
		return nil
	}
	s.cancelTimers()
	s.state = StateCancelled

	ctx, cancelFn := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelFn()
	res := s.deliverer.DeliverCancellation(ctx, CancellationPayload{
		RoomCode:  s.roomCode,
		Cancelled: true,
		Reason:    reason,
		Category:  s.opts.Category.Tag,
	})
	if !res.OK {
		return fmt.Errorf("cancellation delivery failed (status %d): %v", res.Status, res.Err)
	}
	logger.Log.Info("session cancelled",
		zap.String("sessionID", s.ID),
		zap.String("roomCode", s.roomCode),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Session) closeChannels() {
	if s.lobby != nil {
		s.lobby.Close()
	}
	if s.game != nil {
		s.game.Close()
	}
}
