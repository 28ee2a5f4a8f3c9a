package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudScheduler dispatches due scheduled-topup charges through Google
// Cloud Tasks instead of charging them inline, so a due charge gets
// durable, retried delivery. Each due settings row becomes one HTTP task
// targeting
// callbackURL; Cloud Tasks owns retry/backoff for a transient callback
// failure. Falls back to running the charge in-process if the enqueue call
// itself fails.
type CloudScheduler struct {
	engine      *Engine
	client      *cloudtasks.Client
	queuePath   string
	callbackURL string
	logger      *log.Logger
}

// NewCloudScheduler creates a Cloud Tasks-backed scheduler. callbackURL is
// the HTTP endpoint Cloud Tasks will POST a {"tenant": "..."} body to; the
// caller is expected to route it to runOneSchedule-equivalent logic (see
// ChargeDueTenant).
func NewCloudScheduler(engine *Engine, projectID, locationID, queueID, callbackURL string) (*CloudScheduler, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing: cloudtasks.NewClient: %w", err)
	}

	return &CloudScheduler{
		engine:      engine,
		client:      client,
		queuePath:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		callbackURL: callbackURL,
		logger:      log.New(os.Stderr, "[BillingCloudScheduler] ", log.LstdFlags),
	}, nil
}

// DispatchDueSchedules lists every due settings row and enqueues one Cloud
// Task per tenant, falling back to an immediate in-process charge for any
// tenant whose task fails to enqueue.
func (c *CloudScheduler) DispatchDueSchedules(ctx context.Context, now time.Time) error {
	due, err := c.engine.store.ListDueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("billing: list due schedules: %w", err)
	}

	for _, s := range due {
		if err := c.enqueue(ctx, s.Tenant); err != nil {
			c.logger.Printf("enqueue scheduled topup task for %s failed, running in-process: %v", s.Tenant, err)
			c.engine.runOneSchedule(ctx, s, now)
		}
	}
	return nil
}

func (c *CloudScheduler) enqueue(ctx context.Context, tenant string) error {
	body, err := json.Marshal(map[string]string{"tenant": tenant})
	if err != nil {
		return fmt.Errorf("marshal task body: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        c.callbackURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
				},
			},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := c.client.CreateTask(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Printf("enqueued scheduled topup task for %s (task=%s)", tenant, task.GetName())
	return nil
}

// ChargeDueTenant runs the scheduled-topup charge for a single tenant. This
// is what the Cloud Tasks HTTP callback (or a direct in-process caller) runs
// once a task fires.
func (c *CloudScheduler) ChargeDueTenant(ctx context.Context, tenant string, now time.Time) error {
	s, err := c.engine.store.Get(ctx, tenant)
	if err != nil {
		return fmt.Errorf("billing: load settings for %s: %w", tenant, err)
	}
	if s == nil || !s.ScheduleEnabled {
		return nil
	}
	c.engine.runOneSchedule(ctx, s, now)
	return nil
}

// Close releases the Cloud Tasks client.
func (c *CloudScheduler) Close() error {
	return c.client.Close()
}
