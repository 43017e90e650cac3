package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"bitbucket.org/mmdatafocus/printshop_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PushEnvelope is the body Pub/Sub push subscriptions POST to /pubsub.
type PushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

const companyLockTTL = 30 * time.Second

var (
	companyMutexMap = make(map[string]*sync.Mutex)
	globalMutex     = &sync.Mutex{}
)

var errPoisonMessage = errors.New("company_id and event_type are required")

// decodePushEnvelope returns the production event carried by a push body.
// Byte slice unmarshalling handles the base64 data field.
func decodePushEnvelope(body []byte) (PushEnvelope, config.PubSubMessage, error) {
	var envelope PushEnvelope
	var m config.PubSubMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return envelope, m, fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Message.Data, &m); err != nil {
		return envelope, m, fmt.Errorf("decode message: %w", err)
	}
	if m.CompanyId == "" || m.EventType == "" {
		return envelope, m, errPoisonMessage
	}
	return envelope, m, nil
}

func messageFields(m config.PubSubMessage, messageID string) logrus.Fields {
	return logrus.Fields{
		"company_id":     m.CompanyId,
		"event_type":     m.EventType,
		"reference_id":   m.ReferenceId,
		"message_id":     messageID,
		"correlation_id": m.CorrelationId,
	}
}

// productionPubSubHandler acks malformed messages with 204 and answers 500 on
// processing failures so Pub/Sub redelivers.
func productionPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "productionWorkflow.go", "productionPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		envelope, m, err := decodePushEnvelope(body)
		if err != nil {
			config.LogError(logger, "productionWorkflow.go", "productionPubSubHandler", "decodePushEnvelope", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		if m.CorrelationId == "" {
			m.CorrelationId = envelope.Message.ID
		}

		ctx, span := tracer.Start(c.Request.Context(), "pubsub.push "+m.EventType,
			trace.WithAttributes(
				attribute.String("company_id", m.CompanyId),
				attribute.Int("record_id", m.ID),
			))
		defer span.End()

		// Redis only shortens contention; ProcessMessage serializes per company on its own.
		lock := obtainCompanyLock(ctx, logger, m, envelope.Message.ID)
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(ctx); releaseErr != nil {
				logger.WithFields(messageFields(m, envelope.Message.ID)).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		if err := workflow.ProcessMessage(ctx, config.GetDB(), logger, m); err != nil {
			span.RecordError(err)
			logger.WithFields(messageFields(m, envelope.Message.ID)).Error("pubsub processing failed: " + err.Error())
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func obtainCompanyLock(ctx context.Context, logger *logrus.Logger, m config.PubSubMessage, messageID string) *redislock.Lock {
	if config.GetRedisLock() == nil {
		logger.WithFields(messageFields(m, messageID)).Warn("redis lock not ready; proceeding without redis lock")
		return nil
	}
	lock, err := utils.CompanyLock(ctx, m.CompanyId, "lock:production", companyLockTTL, "productionWorkflow.go", "productionPubSubHandler")
	if err != nil {
		logger.WithFields(messageFields(m, messageID)).Warn("proceeding without redis lock: " + err.Error())
		return nil
	}
	return lock
}

func companyMutex(companyId string) *sync.Mutex {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	mutex, exists := companyMutexMap[companyId]
	if !exists {
		mutex = &sync.Mutex{}
		companyMutexMap[companyId] = mutex
	}
	return mutex
}

// RunProductionWorkflow pulls production events until ctx is cancelled.
// Messages of one company are handled one at a time.
func RunProductionWorkflow(ctx context.Context) error {
	logger := config.GetLogger()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		var m config.PubSubMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.CompanyId == "" {
			config.LogError(logger, "productionWorkflow.go", "RunProductionWorkflow", "Unmarshaling pubsub message", string(msg.Data), err)
			msg.Ack()
			return
		}

		mutex := companyMutex(m.CompanyId)
		mutex.Lock()
		defer mutex.Unlock()

		if m.CorrelationId == "" {
			m.CorrelationId = msg.ID
		}
		ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		if err := workflow.ProcessMessage(ctx, config.GetDB(), logger, m); err != nil {
			logger.WithFields(messageFields(m, msg.ID)).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	if err := sub.Receive(ctx, callback); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
