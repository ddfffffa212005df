package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/kafka"
)

// Intake submits analysis requests read from a Kafka topic.
type Intake struct {
	consumer kafka.Consumer
	service  *Service
	logger   *slog.Logger
}

func NewIntake(consumer kafka.Consumer, service *Service, logger *slog.Logger) *Intake {
	return &Intake{consumer: consumer, service: service, logger: logger}
}

// Run consumes until ctx is cancelled.
func (i *Intake) Run(ctx context.Context) error {
	return i.consumer.Subscribe(ctx, i.handle)
}

// handle drops malformed and invalid requests by returning nil so their
// offsets are committed. Any other failure, such as a rate limit, hands the
// message back to the consumer for redelivery.
func (i *Intake) handle(ctx context.Context, msg kafka.Message) error {
	log := i.logger.With(
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)

	var req domain.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		log.Error("malformed intake message, dropping", slog.String("error", err.Error()))
		return nil
	}

	sub, err := i.service.submit(ctx, req, "kafka")
	if err != nil {
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			log.Warn("invalid intake request, dropping", slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	log.Debug("intake request submitted", slog.String("task_id", sub.TaskID))
	return nil
}
