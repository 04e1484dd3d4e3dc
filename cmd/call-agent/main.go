// Command call-agent is a headless call participant. It keeps the agent user
// online, answers incoming calls with a silent audio track and can place a
// call on start. Finished calls are archived to CockroachDB when it is
// reachable.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"secureconnect-calls/internal/database"
	"secureconnect-calls/internal/domain"
	"secureconnect-calls/internal/repository"
	"secureconnect-calls/internal/repository/cockroach"
	"secureconnect-calls/internal/repository/memory"
	redisRepo "secureconnect-calls/internal/repository/redis"
	"secureconnect-calls/internal/rtc"
	callService "secureconnect-calls/internal/service/call"
	historyService "secureconnect-calls/internal/service/history"
	presenceService "secureconnect-calls/internal/service/presence"
	"secureconnect-calls/pkg/config"
	"secureconnect-calls/pkg/env"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
)

type agent struct {
	userID      string
	name        string
	store       callService.Store
	coordinator *callService.Coordinator
	history     *historyService.Service // nil without an archive

	mu          sync.Mutex
	stopMedia   context.CancelFunc
	answering   bool
	watchedCall string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
	}
	defer logger.Sync()

	userID := env.GetString("AGENT_USER_ID", "")
	if userID == "" {
		logger.Fatal("AGENT_USER_ID environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics("call-agent")

	backend, err := repository.OpenCallBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open call store", zap.Error(err))
	}
	defer backend.Close(context.Background())

	// Presence lives next to the call store: in-process for the memory
	// backend, Redis otherwise.
	var presenceStore presenceService.Store
	if cfg.Signaling.Backend == config.BackendMemory {
		presenceStore = memory.NewPresenceStore()
	} else {
		database.InitRedisMetrics()
		redisDB, err := database.NewRedisDB(&database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisDB.Close()
		redisDB.StartHealthCheck(ctx, cfg.Presence.HeartbeatInterval)
		presenceStore = redisRepo.NewPresenceRepository(redisDB, cfg.Presence.LeaseTTL, cfg.Presence.HeartbeatInterval)
	}
	tracker := presenceService.NewTracker(presenceStore, appMetrics)

	factory, err := rtc.NewPionFactory()
	if err != nil {
		logger.Fatal("Failed to create WebRTC API", zap.Error(err))
	}

	a := &agent{
		userID: userID,
		name:   env.GetString("AGENT_DISPLAY_NAME", userID),
		store:  backend.Store,
		coordinator: callService.NewCoordinator(backend.Store,
			&rtc.SampleDevices{HasMicrophone: true},
			factory,
			callService.Config{
				ICEServers:  cfg.Signaling.STUNServers,
				RingTimeout: cfg.Signaling.RingTimeout,
			},
			callService.WithMetrics(appMetrics)),
	}

	if db, err := database.NewDBFromConfig(ctx, cfg.Database); err != nil {
		logger.Warn("CockroachDB unavailable, calls will not be archived", zap.Error(err))
	} else {
		defer db.Close()
		archive := cockroach.NewCallRepository(db.Pool)
		if err := archive.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare call history schema", zap.Error(err))
		}
		a.history = historyService.NewService(backend.Store, archive)
	}

	if err := tracker.InitializePresence(ctx, userID); err != nil {
		logger.Fatal("Failed to go online", zap.Error(err))
	}

	unsub, err := callService.SubscribeToIncomingCalls(ctx, backend.Store, userID, func(calls []*domain.CallRecord) {
		for _, rec := range calls {
			if rec.Status == domain.CallStatusRinging {
				go a.answer(ctx, rec)
				return
			}
		}
	})
	if err != nil {
		logger.Fatal("Failed to watch incoming calls", zap.Error(err))
	}

	if callee := env.GetString("AGENT_CALL_TO", ""); callee != "" {
		callType := domain.CallType(env.GetString("AGENT_CALL_TYPE", string(domain.CallTypeVoice)))
		if err := a.dial(ctx, callee, callType); err != nil {
			logger.Error("Failed to place call",
				zap.String("callee_id", callee),
				zap.Error(err))
		}
	}

	logger.Info("Call agent online", zap.String("user_id", userID))
	<-ctx.Done()
	logger.Info("Shutting down call agent")

	unsub()
	shutdownCtx := context.Background()
	a.coordinator.Hangup(shutdownCtx)
	a.stop()
	if err := tracker.CleanupPresence(shutdownCtx, userID); err != nil {
		logger.Warn("Failed to go offline", zap.Error(err))
	}
}

func (a *agent) callbacks() callService.Callbacks {
	return callService.Callbacks{
		OnRemoteTrack: func(t rtc.RemoteTrack) {
			logger.Info("Remote track",
				zap.String("track_id", t.ID),
				zap.String("kind", t.Kind.String()))
			go drain(t.Track)
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			logger.Debug("Peer connection state", zap.String("state", s.String()))
		},
	}
}

func (a *agent) dial(ctx context.Context, calleeID string, callType domain.CallType) error {
	out, err := a.coordinator.StartCall(ctx, callService.StartCallInput{
		CallerID:   a.userID,
		CallerName: a.name,
		CalleeID:   calleeID,
		CallType:   callType,
	}, a.callbacks())
	if err != nil {
		return err
	}
	logger.Info("Calling", zap.String("call_id", out.CallID), zap.String("callee_id", calleeID))
	a.startMedia(ctx, out.CallID, out.LocalStream)
	return nil
}

func (a *agent) answer(ctx context.Context, rec *domain.CallRecord) {
	a.mu.Lock()
	if a.answering {
		a.mu.Unlock()
		return
	}
	a.answering = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.answering = false
		a.mu.Unlock()
	}()

	if info, ok := a.coordinator.Session(); ok && info.CallID == rec.ID {
		return
	}

	stream, err := a.coordinator.AnswerIncomingCall(ctx, rec, a.callbacks())
	if err != nil {
		logger.Warn("Failed to answer call",
			zap.String("call_id", rec.ID),
			zap.String("caller_id", rec.CallerID),
			zap.Error(err))
		return
	}
	logger.Info("Answered call", zap.String("call_id", rec.ID), zap.String("caller_id", rec.CallerID))
	a.startMedia(ctx, rec.ID, stream)
}

// startMedia feeds silence into the call and archives it once it ends
func (a *agent) startMedia(ctx context.Context, callID string, stream *rtc.LocalStream) {
	mediaCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.stopMedia != nil {
		a.stopMedia()
	}
	a.stopMedia = cancel
	a.watchedCall = callID
	a.mu.Unlock()

	go rtc.PumpSilence(mediaCtx, stream)

	var once sync.Once
	unsub, err := callService.SubscribeToCall(mediaCtx, a.store, callID, func(rec *domain.CallRecord) {
		if rec == nil || !rec.Status.IsTerminal() {
			return
		}
		once.Do(func() { go a.ended(rec) })
	})
	if err != nil {
		logger.Warn("Failed to watch call", zap.String("call_id", callID), zap.Error(err))
		return
	}
	go func() {
		<-mediaCtx.Done()
		unsub()
	}()
}

func (a *agent) ended(rec *domain.CallRecord) {
	logger.Info("Call ended",
		zap.String("call_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Duration("duration", rec.Duration()))

	a.mu.Lock()
	if a.watchedCall == rec.ID && a.stopMedia != nil {
		a.stopMedia()
		a.stopMedia = nil
	}
	a.mu.Unlock()

	if a.history == nil {
		return
	}
	if err := a.history.RecordCall(context.Background(), rec); err != nil {
		logger.Warn("Failed to archive call", zap.String("call_id", rec.ID), zap.Error(err))
	}
}

func (a *agent) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopMedia != nil {
		a.stopMedia()
		a.stopMedia = nil
	}
}

// drain reads and discards remote RTP so the receiver's buffers keep moving
func drain(track *webrtc.TrackRemote) {
	if track == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("Remote track closed", zap.Error(err))
			}
			return
		}
	}
}
