package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"sales-assistant/internal/usecase"
)

type TaskRunner interface {
	Run(ctx context.Context, ev usecase.ScheduledEvent) (usecase.TaskResult, error)
}

type TaskResponse struct {
	Task     string `json:"task"`
	Skipped  bool   `json:"skipped,omitempty"`
	Healthy  bool   `json:"healthy,omitempty"`
	Alerted  bool   `json:"alerted,omitempty"`
	Direct   int    `json:"direct,omitempty"`
	Template int    `json:"template,omitempty"`
	Failed   int    `json:"failed,omitempty"`
}

// Scheduler adapts EventBridge scheduled events.
type Scheduler struct {
	runner TaskRunner
	logger *slog.Logger
}

func NewScheduler(runner TaskRunner) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("handler: task runner must not be nil")
	}
	return &Scheduler{runner: runner, logger: slog.Default()}, nil
}

func (s *Scheduler) Handle(ctx context.Context, ev events.CloudWatchEvent) (TaskResponse, error) {
	var detail usecase.ScheduledEvent
	if err := json.Unmarshal(ev.Detail, &detail); err != nil {
		return TaskResponse{}, fmt.Errorf("handler: decode scheduled detail: %w", err)
	}
	log := s.logger.With("event_id", ev.ID, "task", detail.Task)

	res, err := s.runner.Run(ctx, detail)
	out := TaskResponse{Task: res.Task, Skipped: res.Skipped, Healthy: res.Healthy, Alerted: res.Alerted}
	if res.Report != nil {
		out.Direct, out.Template, out.Failed = res.Report.Direct, res.Report.Template, res.Report.Failed
	}
	if err != nil {
		log.Error("scheduled task failed", "err", err)
		return out, err
	}
	log.Info("scheduled task finished", "skipped", res.Skipped)
	return out, nil
}
