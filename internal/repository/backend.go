// Package repository selects the call document store configured for the process.
package repository

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"

	"secureconnect-calls/internal/database"
	fsrepo "secureconnect-calls/internal/repository/firestore"
	"secureconnect-calls/internal/repository/memory"
	mongorepo "secureconnect-calls/internal/repository/mongodb"
	"secureconnect-calls/internal/service/call"
	"secureconnect-calls/pkg/config"
	"secureconnect-calls/pkg/logger"
)

// CallBackend is an opened call store and the resources behind it
type CallBackend struct {
	Store call.Store
	// App is the Firebase app when the firestore backend is in use. Push
	// delivery reuses it.
	App   *firebase.App
	close func(ctx context.Context)
}

// Close releases the backend's clients
func (b *CallBackend) Close(ctx context.Context) {
	if b.close != nil {
		b.close(ctx)
	}
}

// OpenCallBackend connects to the backend named by cfg.Signaling.Backend
func OpenCallBackend(ctx context.Context, cfg *config.Config) (*CallBackend, error) {
	switch cfg.Signaling.Backend {
	case config.BackendFirestore:
		app, err := database.NewFirebaseApp(ctx, cfg.Firestore)
		if err != nil {
			return nil, err
		}
		client, err := database.NewFirestoreClient(ctx, app)
		if err != nil {
			return nil, err
		}
		return &CallBackend{
			Store: fsrepo.NewCallRepository(client, cfg.Firestore.Collection),
			App:   app,
			close: func(context.Context) {
				if err := client.Close(); err != nil {
					logger.Warn("Failed to close Firestore client", zap.Error(err))
				}
			},
		}, nil

	case config.BackendMongo:
		client, err := database.NewMongoClient(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		store, err := mongorepo.NewCallRepository(ctx, client.Database(cfg.Mongo.Database), cfg.Mongo.Collection)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return &CallBackend{
			Store: store,
			close: func(ctx context.Context) {
				if err := client.Disconnect(ctx); err != nil {
					logger.Warn("Failed to disconnect from MongoDB", zap.Error(err))
				}
			},
		}, nil

	case config.BackendMemory:
		logger.Warn("Using in-process call store; calls are not shared with other processes")
		return &CallBackend{Store: memory.NewCallStore()}, nil

	default:
		return nil, fmt.Errorf("unknown signaling backend %q", cfg.Signaling.Backend)
	}
}
