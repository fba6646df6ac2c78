package main

import (
	"context"
	"log"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/workerpool"

	meetconfig "github.com/blackroad/meet/config"
	"github.com/blackroad/meet/internal/coordinator"
	"github.com/blackroad/meet/internal/httputil"
	"github.com/blackroad/meet/internal/keyring"
	meethandler "github.com/blackroad/meet/internal/meet/handler"
	"github.com/blackroad/meet/internal/roster"
	"github.com/blackroad/meet/internal/router"
	"github.com/blackroad/meet/internal/transport"
	"github.com/blackroad/meet/pkg/events"
	"github.com/blackroad/meet/pkg/history"
	"github.com/blackroad/meet/pkg/policy"
	"github.com/blackroad/meet/pkg/webhook"
	webhookapi "github.com/blackroad/meet/pkg/webhook/api"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[meetconfig.MeetConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	eventRef := cfg.GetEventsQueueName()
	eventURL := cfg.GetEventsQueueURL()
	keyRef := eventRef + ".keys"

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("meet"),
		frame.WithDatastore(),
		frame.WithRegisterPublisher(eventRef, eventURL),
		frame.WithRegisterPublisher(keyRef, eventURL),
		frame.WithWorkerPoolOptions(
			workerpool.WithPoolCount(cfg.WorkerPoolCount),
			workerpool.WithSinglePoolCapacity(cfg.WorkerPoolCapacity),
		),
	)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	pub := events.NewPublisher(srv.QueueManager(), "meet", eventRef)
	keyPub := events.NewPublisher(srv.QueueManager(), "meet", keyRef)

	ro := roster.New()
	keys := keyring.New(cfg.EpochHistoryLimit)
	selector := router.NewCapSelector()
	rt := router.New(ctx, ro, selector, pool, router.Config{
		GraceWindow:  cfg.GraceWindow(),
		QueueCap:     cfg.FrameQueueCap,
		SelectBudget: cfg.LayerSelectBudget(),
	})

	// Wrapped key blobs ride the signaling queue. Each blob is ciphertext
	// addressed to a single member and opaque to the broker.
	sig := coordinator.SignalerFunc(func(ctx context.Context, roomID string, update keyring.KeyUpdate) error {
		return keyPub.Emit(ctx, events.KeyUpdate, roomID, events.KeyUpdateData{
			MemberID: update.MemberID,
			Epoch:    update.Epoch,
			Blob:     update.Blob,
		})
	})

	coord := coordinator.New(ctx, ro, keys, rt, sig, coordinator.Config{
		RetryBackoff:      cfg.KeyRetryBackoff(),
		JoinURLBase:       cfg.JoinURLBase,
		DefaultRoomSize:   cfg.DefaultRoomSize,
		RetainCapsuleKeys: cfg.RetainCapsuleKeys,
	})
	coord.SetPublisher(pub)
	coord.SetPool(pool)

	histRepo := history.NewRepository(
		srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"),
	)
	coord.SetHistory(histRepo)
	coord.SetRecorder(coordinator.RecorderFunc(func(ctx context.Context, capsule coordinator.Capsule) error {
		return histRepo.StoreCapsule(ctx, capsule.RoomID, capsule.Epoch, capsule.Key[:], capsule.NotBefore, capsule.NotAfter)
	}))

	whRepo := webhook.NewRepository(
		srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"),
	)
	whDeliverer := webhook.NewDeliverer(whRepo, webhook.DelivererConfig{
		MaxRetries:        cfg.WebhookMaxRetries,
		TimeoutSec:        cfg.WebhookTimeoutSec,
		BackoffInitialSec: cfg.WebhookBackoffSec,
		BackoffMaxSec:     cfg.WebhookBackoffMax,
		CBFailThreshold:   cfg.CBFailThreshold,
		CBResetTimeoutSec: cfg.CBResetTimeoutSec,
	}, pool)
	whSubscriber := &webhook.Subscriber{
		Repo:      whRepo,
		Deliverer: whDeliverer,
		Pool:      pool,
	}

	policies := policy.NewLoader(cfg.PolicyDir)
	if _, err := policies.LoadAll(); err != nil {
		log.Printf("warning: loading room policies: %v", err)
	}
	go func() {
		if err := policies.WatchAndReload(ctx.Done()); err != nil {
			log.Printf("warning: policy watcher: %v", err)
		}
	}()

	sessions := transport.NewSessionManager(ctx, cfg.WebRTCConfig(), rt, router.DefaultEpochExtensionID)

	mux := http.NewServeMux()
	hdlr := meethandler.NewMeetHandler(coord, rt, histRepo, policies)
	hdlr.SetSelector(selector)
	hdlr.SetSessions(sessions)
	hdlr.RegisterRoutes(mux)
	webhookapi.NewHandler(whRepo, pub).RegisterRoutes(mux)

	srv.Init(ctx,
		frame.WithRegisterSubscriber(eventRef+".webhooks", eventURL, whSubscriber),
		frame.WithHTTPHandler(httputil.H2CHandler(httputil.LoggingMiddleware(mux))),
	)

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
