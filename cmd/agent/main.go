package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/call"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/chat"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/config"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/models"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/presence"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/queue"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/service"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/signaling"
	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/store"
)

func main() {
	cfg := config.Load()

	var (
		roleFlag   = flag.String("role", "", "speaker または listener")
		userFlag   = flag.String("user", "", "ユーザーID（省略時はランダム生成）")
		brokerFlag = flag.String("broker", cfg.BrokerURL, "brokerdのWebSocket URL")
		voiceFlag  = flag.Bool("voice", true, "音声通話を行う")
	)
	flag.Parse()

	role := models.Role(*roleFlag)
	if !role.Valid() {
		log.Fatalf("invalid -role %q (speaker or listener)", *roleFlag)
	}
	userId := *userFlag
	if userId == "" {
		userId = uuid.NewString()
	}

	ctx := context.Background()

	st, err := store.Dial(ctx, *brokerFlag)
	if err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer st.Close()

	log.Printf("agent: userId=%s, role=%s", userId, role)

	// マッチングキューへ参加して相手を待つ
	qm := queue.NewManager(st, cfg.QueueTimeout)
	roomId, err := qm.Run(ctx, userId, role)
	if err != nil {
		if errors.Is(err, queue.ErrMatchTimeout) {
			log.Fatalf("no match found within %s", cfg.QueueTimeout)
		}
		log.Fatalf("matchmaking failed: %v", err)
	}
	log.Printf("agent: matched, roomId=%s", roomId)

	svc := service.NewSessionService(st)
	room, err := svc.Load(ctx, roomId, userId)
	if err != nil {
		log.Fatalf("failed to load room: %v", err)
	}
	peerId := room.Peer(userId)
	selfRole := room.RoleOf(userId)

	// 自分のプレゼンスを公開し、接続断でも相手に離脱が伝わるようにする
	mon := presence.NewMonitor(st, cfg.PresenceGrace)
	if err := mon.RegisterOfflineOnDisconnect(ctx, roomId, userId); err != nil {
		log.Fatalf("failed to register disconnect hook: %v", err)
	}
	if err := mon.MarkOnline(ctx, roomId, userId); err != nil {
		log.Fatalf("failed to mark online: %v", err)
	}

	peerGone := make(chan struct{})
	var once sync.Once
	unwatch, err := mon.WatchPeer(roomId, peerId, func(s presence.State) {
		log.Printf("agent: peer %s is %s", peerId, s)
		if s == presence.StateOffline {
			once.Do(func() { close(peerGone) })
		}
	})
	if err != nil {
		log.Fatalf("failed to watch peer: %v", err)
	}
	defer unwatch()

	// チャット
	chatLog := chat.NewLog(st, roomId, userId, selfRole)
	unsubChat, err := chatLog.Subscribe(func(msg models.Message) {
		switch msg.Kind {
		case models.MessageKindVoice:
			log.Printf("[%s] <voice message, %ds>", msg.SenderRole, msg.Duration)
		default:
			log.Printf("[%s] %s", msg.SenderRole, msg.Text)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe chat: %v", err)
	}
	defer unsubChat()

	// 音声通話（話し手が発信し、聞き手が応答する）
	ex := signaling.NewExchange(st, roomId, userId)
	engine := call.NewEngine()
	machine := call.NewMachine(ex, engine, engine, userId, models.SlotForRole(selfRole))
	machine.OnPhase(func(p call.Phase) {
		log.Printf("agent: call phase: %s", p)
	})
	if *voiceFlag {
		var err error
		if selfRole == models.RoleSpeaker {
			err = machine.Start(ctx)
		} else {
			err = machine.Accept(ctx)
		}
		if err != nil {
			log.Printf("agent: failed to start call: %v", err)
		}
	}

	// 標準入力の各行をチャットメッセージとして送信する
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				continue
			}
			if _, err := chatLog.Send(ctx, text); err != nil {
				log.Printf("agent: failed to send message: %v", err)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("agent: shutdown signal received")
	case <-peerGone:
		log.Println("agent: peer left the room")
	}

	// 終話してルームを閉じる
	if err := machine.End(ctx); err != nil {
		log.Printf("agent: failed to end call: %v", err)
	}
	if err := svc.End(ctx, roomId, userId); err != nil && !errors.Is(err, service.ErrRoomEnded) {
		log.Printf("agent: failed to end session: %v", err)
	}
	log.Println("agent: stopped")
}
