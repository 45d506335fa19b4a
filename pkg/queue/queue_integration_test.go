package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/database"
	"github.com/casare-rpa/orchestrator/pkg/models"
	"github.com/casare-rpa/orchestrator/pkg/testhelpers"
)

func setupQueue(t *testing.T) (*Producer, func(robotID string, cfg ...ConsumerConfig) *Consumer) {
	t.Helper()
	tdb := testhelpers.GetOrchestratorDB(t)
	tdb.TruncateAll(t)

	dbCfg := &database.Config{URL: tdb.ConnStr, MaxConnections: 5}
	producer := NewProducer(tdb.DB, dbCfg, DefaultProducerConfig(), nil, zap.NewNop())

	newConsumer := func(robotID string, cfg ...ConsumerConfig) *Consumer {
		c := DefaultConsumerConfig(robotID)
		if len(cfg) > 0 {
			c = cfg[0]
		}
		consumer, err := NewConsumer(tdb.DB, dbCfg, c, nil, zap.NewNop())
		require.NoError(t, err)
		return consumer
	}
	return producer, newConsumer
}

func submission(workflowID string) models.JobSubmission {
	return models.JobSubmission{
		WorkflowID:   workflowID,
		WorkflowName: workflowID,
		WorkflowJSON: "{}",
	}
}

func TestIntegration_EnqueueAndStatus(t *testing.T) {
	producer, _ := setupQueue(t)
	ctx := context.Background()

	job, err := producer.Enqueue(ctx, models.JobSubmission{
		WorkflowID:   "invoice-sync",
		WorkflowName: "Invoice Sync",
		WorkflowJSON: `{"nodes":{}}`,
		Priority:     models.Int(42),
		Variables:    map[string]any{"region": "eu"},
	})
	require.NoError(t, err)

	detail, err := producer.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, models.JobStatusPending, detail.Status)
	assert.Equal(t, 42, detail.Priority)
	assert.Equal(t, "default", detail.Environment)
	assert.Equal(t, 3, detail.MaxRetries, "default applied")
	assert.Equal(t, "eu", detail.Variables["region"])

	missing, err := producer.GetJobStatus(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIntegration_ClaimAtMostOnce(t *testing.T) {
	producer, newConsumer := setupQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := producer.Enqueue(ctx, submission("wf-claim"))
		require.NoError(t, err)
	}

	a := newConsumer("robot-a")
	b := newConsumer("robot-b")

	claimedA, err := a.Claim(ctx, 5)
	require.NoError(t, err)
	claimedB, err := b.Claim(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, 5, len(claimedA)+len(claimedB))

	seen := map[uuid.UUID]bool{}
	for _, job := range append(claimedA, claimedB...) {
		assert.False(t, seen[job.ID], "job %s claimed twice", job.ID)
		seen[job.ID] = true
	}
}

func TestIntegration_ClaimOrderedByPriorityThenAge(t *testing.T) {
	producer, newConsumer := setupQueue(t)
	ctx := context.Background()

	low, err := producer.Enqueue(ctx, models.JobSubmission{WorkflowID: "wf", WorkflowJSON: "{}", Priority: models.Int(5)})
	require.NoError(t, err)
	high, err := producer.Enqueue(ctx, models.JobSubmission{WorkflowID: "wf", WorkflowJSON: "{}", Priority: models.Int(90)})
	require.NoError(t, err)

	claimed, err := newConsumer("robot-a").Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, low.ID, claimed[1].ID)
}

func TestIntegration_DelayedJobInvisible(t *testing.T) {
	producer, newConsumer := setupQueue(t)
	ctx := context.Background()

	sub := submission("wf-delayed")
	sub.DelaySeconds = 300
	_, err := producer.Enqueue(ctx, sub)
	require.NoError(t, err)

	claimed, err := newConsumer("robot-a").Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	depth, err := producer.GetQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "delayed jobs are not visible")
}

func TestIntegration_OwnershipEnforced(t *testing.T) {
	producer, newConsumer := setupQueue(t)
	ctx := context.Background()

	_, err := producer.Enqueue(ctx, submission("wf-own"))
	require.NoError(t, err)

	owner := newConsumer("robot-owner")
	other := newConsumer("robot-other")

	claimed, err := owner.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	jobID := claimed[0].ID

	done, err := other.Complete(ctx, jobID, nil)
	require.NoError(t, err)
	assert.False(t, done, "non-owner cannot complete")

	ok, _, err := other.Fail(ctx, jobID, "not mine")
	require.NoError(t, err)
	assert.False(t, ok, "non-owner cannot fail")

	extended, err := other.ExtendLease(ctx, jobID, 60)
	require.NoError(t, err)
	assert.False(t, extended, "non-owner cannot extend")

	done, err = owner.Complete(ctx, jobID, map[string]any{"rows": 10})
	require.NoError(t, err)
	assert.True(t, done)

	detail, err := producer.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, detail.Status)
	assert.Equal(t, float64(10), detail.Result["rows"])
}

func TestIntegration_FailRetriesThenExhausts(t *testing.T) {
	producer, newConsumer := setupQueue(t)
	ctx := context.Background()

	sub := submission("wf-fail")
	sub.MaxRetries = models.Int(1)
	job, err := producer.Enqueue(ctx, sub)
	require.NoError(t, err)

	consumer := newConsumer("robot-a")
	claimed, err := consumer.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, willRetry, err := consumer.Fail(ctx, job.ID, "first failure")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, willRetry, "one retry remains")

	detail, err := producer.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, detail.Status)
	assert.Equal(t, 1, detail.RetryCount)
	assert.Nil(t, detail.RobotID, "ownership cleared on retry")
	assert.True(t, detail.VisibleAfter.After(time.Now()), "backoff applied")

	// Make the retry immediately claimable.
	_, err = producer.pool().Exec(ctx,
		`UPDATE orchestrator_jobs SET visible_after = now() WHERE id = $1`, job.ID)
	require.NoError(t, err)

	claimed, err = consumer.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, willRetry, err = consumer.Fail(ctx, job.ID, "second failure")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, willRetry, "retries exhausted")

	detail, err = producer.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, detail.Status)
	require.NotNil(t, detail.ErrorMessage)
	assert.Equal(t, "second failure", *detail.ErrorMessage)
}

func TestIntegration_ReleaseReturnsJobToQueue(t *testing.T) {
	producer, newConsumer := setupQueue(t)
	ctx := context.Background()

	job, err := producer.Enqueue(ctx, submission("wf-release"))
	require.NoError(t, err)

	consumer := newConsumer("robot-a")
	claimed, err := consumer.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := consumer.Release(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Empty(t, consumer.TrackedJobs())

	// Release makes the job immediately reclaimable without a retry charge.
	claimed, err = newConsumer("robot-b").Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 0, claimed[0].RetryCount)
}

func TestIntegration_RequeueTimedOut(t *testing.T) {
	producer, newConsumer := setupQueue(t)
	ctx := context.Background()

	job, err := producer.Enqueue(ctx, submission("wf-timeout"))
	require.NoError(t, err)

	consumer := newConsumer("robot-a")
	claimed, err := consumer.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Expire the lease without waiting out the visibility timeout.
	_, err = producer.pool().Exec(ctx,
		`UPDATE orchestrator_jobs SET visible_after = now() - interval '1 second' WHERE id = $1`, job.ID)
	require.NoError(t, err)

	requeued, err := consumer.RequeueTimedOut(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	detail, err := producer.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, detail.Status)
	assert.Equal(t, 1, detail.RetryCount)
}

func TestIntegration_HeartbeatKeepsLeaseAlive(t *testing.T) {
	producer, _ := setupQueue(t)
	ctx := context.Background()
	tdb := testhelpers.GetOrchestratorDB(t)

	job, err := producer.Enqueue(ctx, submission("wf-heartbeat"))
	require.NoError(t, err)

	// Own pool: Close releases jobs and tears the pool down.
	dbCfg := &database.Config{URL: tdb.ConnStr, MaxConnections: 2}
	db, err := database.NewConnection(ctx, dbCfg)
	require.NoError(t, err)

	owner, err := NewConsumer(db, dbCfg, ConsumerConfig{
		RobotID:           "robot-hb",
		VisibilityTimeout: 2 * time.Second,
		HeartbeatInterval: 300 * time.Millisecond,
	}, nil, zap.NewNop())
	require.NoError(t, err)

	claimed, err := owner.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	owner.StartHeartbeat(ctx)

	// Without heartbeats the 2s lease would have expired by now.
	time.Sleep(3 * time.Second)

	detail, err := producer.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, detail.Status)
	assert.True(t, detail.VisibleAfter.After(time.Now()), "lease extended past expiry")

	poacher, err := NewConsumer(tdb.DB, dbCfg, DefaultConsumerConfig("robot-poacher"), nil, zap.NewNop())
	require.NoError(t, err)
	stolen, err := poacher.Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, stolen, "heartbeated job is not reclaimable")

	// Shutdown stops the heartbeat and hands the job back.
	owner.Close(ctx)

	detail, err = producer.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, detail.Status)
	assert.Nil(t, detail.RobotID)
}

func TestIntegration_CancelOnlyNonTerminal(t *testing.T) {
	producer, newConsumer := setupQueue(t)
	ctx := context.Background()

	job, err := producer.Enqueue(ctx, submission("wf-cancel"))
	require.NoError(t, err)

	cancelled, err := producer.Cancel(ctx, job.ID, "operator request")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Terminal jobs stay put.
	cancelled, err = producer.Cancel(ctx, job.ID, "again")
	require.NoError(t, err)
	assert.False(t, cancelled)

	// Cancelled jobs are not claimable.
	claimed, err := newConsumer("robot-a").Claim(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestIntegration_EnqueueBatchAtomic(t *testing.T) {
	producer, _ := setupQueue(t)
	ctx := context.Background()

	jobs, err := producer.EnqueueBatch(ctx, []models.JobSubmission{
		submission("wf-batch"), submission("wf-batch"), submission("wf-batch"),
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	depth, err := producer.GetQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	// One invalid submission rejects the whole batch before any insert.
	bad := submission("wf-batch")
	bad.Priority = models.Int(999)
	_, err = producer.EnqueueBatch(ctx, []models.JobSubmission{submission("wf-batch"), bad})
	require.Error(t, err)

	depth, err = producer.GetQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth, "failed batch inserted nothing")
}

func TestIntegration_PendingJobsOrder(t *testing.T) {
	producer, _ := setupQueue(t)
	ctx := context.Background()

	lowSub := submission("wf-pending")
	lowSub.Priority = models.Int(5)
	_, err := producer.Enqueue(ctx, lowSub)
	require.NoError(t, err)

	highSub := submission("wf-pending")
	highSub.Priority = models.Int(80)
	high, err := producer.Enqueue(ctx, highSub)
	require.NoError(t, err)

	pending, err := producer.PendingJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, high.ID, pending[0].ID)
}
