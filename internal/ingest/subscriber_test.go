package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/klikdeploy/backend/internal/models"
)

// runServer starts an in-process NATS server on a random port.
func runServer(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestSubscriber_RepliesWithResult(t *testing.T) {
	ns := runServer(t)
	conn, err := Connect(ns.ClientURL(), "deployer-test")
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	sink := &recordingSink{}
	sub := NewSubscriber(conn, "deployments.requested", "", newTestValidator(t), sink, nil)
	require.NoError(t, sub.Start())
	t.Cleanup(func() { _ = sub.Stop() })

	msg, err := conn.Request("deployments.requested",
		[]byte(`{"request_id":"n1","requester_identity":"carol","reputation_metric":4000,"payload":{"name":"C","symbol":"C"}}`),
		5*time.Second)
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	require.Empty(t, reply.Error)
	require.Equal(t, "n1", reply.RequestID)
	require.Equal(t, models.StatusQueued, reply.Status)

	msg, err = conn.Request("deployments.requested", []byte(`not json`), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	require.NotEmpty(t, reply.Error)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.got, 1)
}

func TestSubscriber_FireAndForget(t *testing.T) {
	ns := runServer(t)
	conn, err := Connect(ns.ClientURL(), "deployer-test")
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	done := make(chan *models.DeploymentRequest, 1)
	sink := submitFunc(func(_ context.Context, req *models.DeploymentRequest) {
		done <- req
	})
	sub := NewSubscriber(conn, "deployments.requested", "workers", newTestValidator(t), sink, nil)
	require.NoError(t, sub.Start())

	require.NoError(t, conn.Publish("deployments.requested",
		[]byte(`{"requester_identity":"@Dave","reputation_metric":1,"payload":{"name":"D","symbol":"D"}}`)))
	require.NoError(t, conn.Flush())

	select {
	case req := <-done:
		require.Equal(t, "dave", req.Requester)
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the sink")
	}
}
