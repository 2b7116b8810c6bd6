package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/models"
)

func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded NATS not ready")
	return srv.ClientURL()
}

func TestNoopPublisher(t *testing.T) {
	var pub Publisher = &NoopPublisher{}
	assert.NoError(t, pub.Publish(context.Background(), TopicStageCompleted, StageCompleted{}))
	assert.NoError(t, pub.Close())
}

func TestNewWithoutURLReturnsNoop(t *testing.T) {
	pub, err := New("")
	require.NoError(t, err)
	_, ok := pub.(*NoopPublisher)
	assert.True(t, ok)
}

func TestNATSPublisherPublishesJSON(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	require.NoError(t, err)
	defer pub.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(TopicPipelineCompleted, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck
	require.NoError(t, nc.Flush())

	event := PipelineCompleted{
		RunID:     "run_abc",
		Succeeded: []models.Stage{models.StageLocations},
		Failed:    []models.Stage{models.StageBudget},
	}
	require.NoError(t, pub.Publish(context.Background(), TopicPipelineCompleted, event))
	require.NoError(t, pub.Flush())

	select {
	case msg := <-ch:
		var got PipelineCompleted
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "run_abc", got.RunID)
		assert.Equal(t, []models.Stage{models.StageLocations}, got.Succeeded)
		assert.Equal(t, []models.Stage{models.StageBudget}, got.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNATSPublisherRespectsCancelledContext(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, TopicStageCompleted, StageCompleted{}), context.Canceled)
}
