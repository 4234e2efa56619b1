//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/testutil"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvent(t *testing.T, queue, eventType string) string {
	t.Helper()
	var id string
	err := testDB.QueryRow(context.Background(),
		`INSERT INTO distribution_events (queue, event_type) VALUES ($1, $2) RETURNING id`,
		queue, eventType,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedDefaultRule(t *testing.T, eventID string, methods []string, bypass bool) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`INSERT INTO distribution_rules (event_id, delivery_methods, templates, bypass_subscriptions)
		 VALUES ($1, $2, '{"EMAIL": {"name": "welcome"}, "SMS": {"name": "welcome-sms"}}', $3)`,
		eventID, methods, bypass,
	)
	require.NoError(t, err)
}

func seedSubscription(t *testing.T, eventID, subscriberID, filters string) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`INSERT INTO subscriptions (event_id, subscriber_id, subscriber_kind, filters) VALUES ($1, $2, 'user', $3)`,
		eventID, subscriberID, filters,
	)
	require.NoError(t, err)
}

// collectJobs subscribes to every job subject before the test publishes.
func collectJobs(t *testing.T) <-chan domain.NotificationJob {
	t.Helper()
	jobs := make(chan domain.NotificationJob, 16)
	sub, err := testNATS.Subscribe(jobsSubject, func(msg *nats.Msg) {
		var job domain.NotificationJob
		if err := json.Unmarshal(msg.Data, &job); err == nil {
			jobs <- job
		}
	})
	require.NoError(t, err)
	require.NoError(t, testNATS.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return jobs
}

func awaitJobs(t *testing.T, jobs <-chan domain.NotificationJob, messageID string, n int) []domain.NotificationJob {
	t.Helper()
	var got []domain.NotificationJob
	timeout := time.After(15 * time.Second)
	for len(got) < n {
		select {
		case job := <-jobs:
			if job.MessageID == messageID {
				got = append(got, job)
			}
		case <-timeout:
			t.Fatalf("received %d of %d jobs for message %s", len(got), n, messageID)
		}
	}
	return got
}

func awaitMessageState(t *testing.T, messageID, queue string, want domain.AttemptState) {
	t.Helper()
	require.Eventually(t, func() bool {
		var state string
		err := testDB.QueryRow(context.Background(),
			`SELECT state FROM distribution_message_log WHERE message_id = $1 AND queue = $2`,
			messageID, queue,
		).Scan(&state)
		return err == nil && state == string(want)
	}, 15*time.Second, 100*time.Millisecond)
}

func publish(t *testing.T, client *testutil.Client, queue string, msg map[string]any) string {
	t.Helper()
	resp, err := client.POST("/api/v1/queues/"+queue+"/messages", msg)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish to %s: status %d: %s", queue, resp.StatusCode, testutil.ReadBody(t, resp))
	}

	var body struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &body)
	return body.Data.ID
}

func TestDistribution_SubscribersReceiveJobs(t *testing.T) {
	queue := "signup"
	eventID := seedEvent(t, queue, "user.created")
	seedDefaultRule(t, eventID, []string{"EMAIL"}, false)
	seedSubscription(t, eventID, "u-1", `[]`)
	seedSubscription(t, eventID, "u-2",
		`[{"field": "plan", "operator": "EQUALS", "query": {"dataType": "string", "value": "enterprise"}}]`)
	directory.add(domain.RecipientKindUser, domain.Recipient{SubscriberID: "u-1", Email: "one@example.com"})
	directory.add(domain.RecipientKindUser, domain.Recipient{SubscriberID: "u-2", Email: "two@example.com"})

	jobs := collectJobs(t)
	client := testClient.AsProducer(t, testSecret, "accounts", queue)

	messageID := publish(t, client, queue, map[string]any{
		"type":    "user.created",
		"payload": map[string]any{"plan": "free"},
	})

	got := awaitJobs(t, jobs, messageID, 1)
	assert.Equal(t, domain.DeliveryMethodEmail, got[0].Channel)
	assert.Equal(t, "one@example.com", got[0].To)
	assert.Equal(t, "u-1", got[0].SubscriberID)
	assert.Equal(t, "welcome", got[0].Template.Name)

	awaitMessageState(t, messageID, queue, domain.AttemptStateCompleted)
}

func TestDistribution_BypassUsesMessageRecipients(t *testing.T) {
	queue := "alerts"
	eventID := seedEvent(t, queue, "incident.opened")
	seedDefaultRule(t, eventID, []string{"EMAIL", "SMS"}, true)

	jobs := collectJobs(t)
	client := testClient.AsProducer(t, testSecret, "monitoring", queue)

	messageID := publish(t, client, queue, map[string]any{
		"type": "incident.opened",
		"recipients": []map[string]any{
			{"email": "oncall@example.com", "phone": "+15550100"},
			{"email": "oncall@example.com"},
		},
	})

	got := awaitJobs(t, jobs, messageID, 2)
	channels := map[domain.DeliveryMethod]string{}
	for _, job := range got {
		channels[job.Channel] = job.To
	}
	assert.Equal(t, "oncall@example.com", channels[domain.DeliveryMethodEmail])
	assert.Equal(t, "+15550100", channels[domain.DeliveryMethodSMS])

	awaitMessageState(t, messageID, queue, domain.AttemptStateCompleted)
}

func TestDistribution_UnknownEventFails(t *testing.T) {
	client := testClient.AsProducer(t, testSecret, "accounts", "signup")

	messageID := publish(t, client, "signup", map[string]any{"type": "user.deleted"})

	awaitMessageState(t, messageID, "signup", domain.AttemptStateFailed)

	var attempts int
	var kind string
	err := testDB.QueryRow(context.Background(),
		`SELECT attempt, error->>'kind' FROM distribution_attempts WHERE message_id = $1 AND queue = $2`,
		messageID, "signup",
	).Scan(&attempts, &kind)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "unrecoverable failures are not redelivered")
	assert.Equal(t, "NotFoundError", kind)
}

func TestIngest_RejectsForeignQueue(t *testing.T) {
	client := testClient.AsProducer(t, testSecret, "accounts", "signup")

	resp, err := client.POST("/api/v1/queues/alerts/messages", map[string]any{
		"id":   uuid.NewString(),
		"type": "incident.opened",
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		resp, err := testClient.GET(path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
