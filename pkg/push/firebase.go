package push

import (
	"context"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"secureconnect-calls/pkg/logger"
)

// FirebaseProvider implements the Provider interface using Firebase Cloud Messaging.
// It supports Android, iOS (via the APNs bridge) and Web.
type FirebaseProvider struct {
	client *messaging.Client
}

// NewFirebaseProvider creates a provider from an initialized Firebase app
func NewFirebaseProvider(ctx context.Context, app *firebase.App) (*FirebaseProvider, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}
	return &FirebaseProvider{client: client}, nil
}

// Send implements the Provider interface
func (f *FirebaseProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	messages := make([]*messaging.Message, len(tokens))
	for i, token := range tokens {
		messages[i] = buildMessage(notification, token)
	}

	response, err := f.client.SendEach(ctx, messages)
	if err != nil {
		return &SendResult{
			FailureCount: len(tokens),
			Errors:       []error{err},
		}, err
	}

	result := &SendResult{}
	for i, resp := range response.Responses {
		if resp.Success {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if resp.Error == nil {
			continue
		}
		result.Errors = append(result.Errors, resp.Error)
		if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		} else {
			logger.Debug("Firebase send error for token",
				zap.Int("index", i),
				zap.Error(resp.Error))
		}
	}

	return result, nil
}

// buildMessage constructs a Firebase message from a notification
func buildMessage(notification *Notification, token string) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+3)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["title"] = notification.Title
	data["body"] = notification.Body
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)
	}

	androidNotification := &messaging.AndroidNotification{
		Title:       notification.Title,
		Body:        notification.Body,
		Sound:       notification.Sound,
		ClickAction: notification.ClickAction,
	}

	androidConfig := &messaging.AndroidConfig{
		Notification: androidNotification,
		Data:         data,
		Priority:     notification.Priority,
	}

	aps := &messaging.Aps{
		Alert: &messaging.ApsAlert{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Sound:    notification.Sound,
		Category: notification.Category,
	}

	return &messaging.Message{
		Data:    data,
		Android: androidConfig,
		APNS:    &messaging.APNSConfig{Payload: &messaging.APNSPayload{Aps: aps}},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: notification.Title,
				Body:  notification.Body,
				Icon:  "/icon-192x192.png",
			},
			Data: data,
		},
		Token: token,
	}
}
