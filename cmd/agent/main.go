// Package main runs a headless participant against a signaling server:
// a host publishing a synthetic stream, or a viewer that can be
// promoted to Q&A. Useful for load tests and manual verification
// without a browser.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/castline/signaling/config"
	"github.com/castline/signaling/internal/orchestrator"
	"github.com/castline/signaling/internal/protocol"
	"github.com/castline/signaling/internal/rtc"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	userID := uuid.New().String()
	role := cfg.Agent.Role
	streamID := cfg.Agent.StreamID
	if role == protocol.RoleHost {
		streamID = userID
	}
	if streamID == "" {
		logger.Fatal("AGENT_STREAM_ID is required for viewers")
	}

	var orch *orchestrator.Orchestrator
	orch, err = orchestrator.New(orchestrator.Config{
		ServerURL: cfg.Agent.ServerURL,
		UserID:    userID,
		Role:      role,
		StreamID:  streamID,
		Transport: rtc.NewFactory(cfg.WebRTC.ICEUrls, logger),
		Media:     rtc.SyntheticProvider{},
		Logger:    logger,
	}, orchestrator.Callbacks{
		OnStatusChange: func(s orchestrator.Status) {
			logger.Info("connection status", zap.Stringer("status", s))
		},
		OnQAStateChange: func(s orchestrator.QAState) {
			logger.Info("qa status", zap.Stringer("state", s))
		},
		OnChat: func(p protocol.ChatPayload) {
			logger.Info("chat", zap.String("from", p.From), zap.String("text", p.Text))
		},
		OnPeerList: func(peers []string) {
			logger.Info("peer list", zap.Strings("peers", peers))
		},
		OnQARequest: func(from string) {
			// The harness host approves every request so the full
			// promotion path gets exercised.
			logger.Info("qa request approved", zap.String("from", from))
			if err := orch.ApproveQA(from); err != nil {
				logger.Warn("approve failed", zap.Error(err))
			}
		},
		OnRemoteStream: func(remoteID string, stream orchestrator.MediaStream) {
			logger.Info("remote stream", zap.String("remote_id", remoteID), zap.String("stream_id", stream.ID()))
		},
		OnNotice: func(text string) {
			logger.Info("notice", zap.String("text", text))
		},
		OnSessionEnd: func() {
			logger.Info("session closed, exiting")
			os.Exit(0)
		},
	})
	if err != nil {
		logger.Fatal("orchestrator", zap.Error(err))
	}

	if role == protocol.RoleHost {
		stream, err := rtc.NewSyntheticStream()
		if err != nil {
			logger.Fatal("synthetic stream", zap.Error(err))
		}
		orch.SetLocalStream(stream)
	}

	if err := orch.Connect(); err != nil {
		logger.Warn("initial connect failed, reconnect scheduled", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if role == protocol.RoleHost {
		if err := orch.EndSession(); err != nil {
			orch.Close()
		}
	} else {
		orch.Close()
	}
	logger.Info("agent stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
