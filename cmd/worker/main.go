package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/botdeskhq/botdesk/internal/ai"
	"github.com/botdeskhq/botdesk/internal/chat"
	"github.com/botdeskhq/botdesk/internal/config"
	"github.com/botdeskhq/botdesk/internal/db"
	"github.com/botdeskhq/botdesk/internal/identity"
	"github.com/botdeskhq/botdesk/internal/logger"
	"github.com/botdeskhq/botdesk/internal/store/rabbitmq"
)

const maxRetries = 3

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	_ = godotenv.Load()

	log := logger.New()
	defer log.Sync()

	cfg := config.Load()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}

	repo := chat.NewRepo(gdb)
	provider := ai.NewOpenAIProvider(cfg.AIBaseURL, cfg.AIAPIKey)
	svc := chat.NewService(repo, provider, cfg.ChatHistoryLimit, log)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial failed", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel failed", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("declare topology failed", zap.Error(err))
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos failed", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started",
		zap.String("queue", cfg.RabbitQueue),
		zap.Int("concurrency", concurrency))

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Warn("bad message", zap.Int("worker", workerID), zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, log, svc, repo, m.JobID); err != nil {
					log.Error("job failed",
						zap.Int("worker", workerID),
						zap.String("job_id", m.JobID),
						zap.Duration("cost", time.Since(start)),
						zap.Error(err))
					retryOrBury(log, ch, cfg.RabbitQueue, d, m.JobID)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Error("ack failed",
						zap.Int("worker", workerID),
						zap.String("job_id", m.JobID),
						zap.Error(err))
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// retryOrBury republishes a failed delivery onto the retry queue, which
// dead-letters back to the main queue after its TTL. Past maxRetries the
// message is nacked into the DLQ.
func retryOrBury(log *zap.Logger, ch *amqp.Channel, queue string, d amqp.Delivery, jobID string) {
	attempts := 0
	if v, ok := d.Headers["x-attempts"]; ok {
		switch n := v.(type) {
		case int32:
			attempts = int(n)
		case int64:
			attempts = int(n)
		}
	}

	if attempts >= maxRetries {
		log.Warn("job exhausted retries, sending to dlq",
			zap.String("job_id", jobID), zap.Int("attempts", attempts))
		_ = d.Nack(false, false)
		return
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Expiration:   "10000",
		Headers:      amqp.Table{"x-attempts": int32(attempts + 1)},
		Timestamp:    time.Now(),
	}
	if err := ch.PublishWithContext(context.Background(), "", queue+".retry", false, false, pub); err != nil {
		log.Error("retry publish failed", zap.String("job_id", jobID), zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func handleJob(ctx context.Context, log *zap.Logger, svc *chat.Service, repo *chat.Repo, jobID string) error {
	start := time.Now()

	_ = repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	// The user message was written when the job was enqueued; the
	// history load inside the turn already contains it.
	in := chat.TurnInput{
		Identity: identity.Context{
			UserID:   j.UserID,
			TenantID: j.TenantID,
		},
		ConversationID: j.ConversationID,
		Message:        j.Prompt,
		Overrides: chat.Overrides{
			Model:       j.OverrideModel,
			Temperature: j.OverrideTemperature,
			MaxTokens:   j.OverrideMaxTokens,
		},
		SkipUserInsert: true,
	}

	res, err := svc.RunTurn(ctx, in)
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	if err := repo.MarkJobSucceeded(ctx, jobID, res.AssistantMessageID); err != nil {
		return err
	}

	if cost := time.Since(start); cost > 2*time.Second {
		log.Info("slow job",
			zap.String("job_id", jobID),
			zap.Duration("cost", cost),
			zap.Int("total_tokens", res.Usage.TotalTokens))
	}

	return nil
}
