package database

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"secureconnect-calls/pkg/config"
	"secureconnect-calls/pkg/logger"
)

// NewFirebaseApp initializes a Firebase app for Firestore and messaging.
// Without a credentials file the app falls back to application default
// credentials, which is also how the Firestore emulator is reached.
func NewFirebaseApp(ctx context.Context, cfg config.FirestoreConfig) (*firebase.App, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		if _, err := os.Stat(cfg.CredentialsPath); err != nil {
			return nil, fmt.Errorf("firebase credentials file not found at %s: %w", cfg.CredentialsPath, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	var fbConfig *firebase.Config
	if cfg.ProjectID != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	logger.Info("Firebase app initialized",
		zap.String("project_id", cfg.ProjectID),
		zap.Bool("emulator", os.Getenv("FIRESTORE_EMULATOR_HOST") != ""))

	return app, nil
}

// NewFirestoreClient opens the Firestore client of app
func NewFirestoreClient(ctx context.Context, app *firebase.App) (*firestore.Client, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client, nil
}
